package validate

import (
	"fmt"

	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// Apply interprets a ValidationResult under the configured ErrorHandling
// mode (spec §4.5): reject aborts the operation, warn logs and continues,
// ignore continues silently.
func Apply(operation, queueID string, cfg model.SchemaConfig, result model.ValidationResult, log logger.Logger) error {
	if result.Valid {
		return nil
	}

	switch cfg.ErrorHandling {
	case model.ErrorHandlingWarn:
		if log != nil {
			log.Warn("schema validation failed", "operation", operation, "queueId", queueID, "errors", result.Errors)
		}
		return nil
	case model.ErrorHandlingIgnore:
		return nil
	default: // reject
		return qmerrors.Validation(operation, fmt.Sprintf("%d validation error(s): %v", len(result.Errors), result.Errors)).WithQueue(queueID)
	}
}
