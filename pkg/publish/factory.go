package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"contentengine/pkg/storage"
)

// New builds the publisher named by cfg.Kind. objects is only needed for
// the archive kind.
func New(cfg Config, objects storage.ObjectStore, logger *slog.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "log":
		return NewLogPublisher(logger), nil
	case "linkedin":
		return NewLinkedInPublisher(cfg.LinkedIn)
	case "archive":
		if objects == nil {
			return nil, errors.New("archive publisher requires storage.minio configuration")
		}
		return NewArchivePublisher(objects, cfg.Archive)
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}
