package remote

import (
	"context"
	"fmt"

	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Open builds the directory selected by cfg.Remote.Driver. With driver
// "none" it returns nil, and sync passes fail with SYNC_NOT_CONFIGURED.
func Open(ctx context.Context, cfg *config.Config) (Directory, error) {
	switch cfg.Remote.Driver {
	case config.DriverNone, "":
		logging.Warn("No remote directory configured; records stay local", nil)
		return nil, nil

	case config.DriverPostgres:
		d, err := NewPostgresDirectory(cfg.Remote.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return d, nil

	case config.DriverS3:
		s := cfg.Remote.S3
		d, err := NewS3Directory(ctx, S3Settings{
			Provider:  s.Provider,
			Endpoint:  s.Endpoint,
			Region:    s.Region,
			Bucket:    s.Bucket,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			AccountID: s.AccountID,
			UseSSL:    s.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return d, nil

	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}
