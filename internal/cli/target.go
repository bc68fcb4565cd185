package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/backup"
	backupminio "github.com/hupe1980/sharedb/backup/minio"
	backups3 "github.com/hupe1980/sharedb/backup/s3"
)

// archiveTarget is a resolved --target: the store holding archives, plus
// the DynamoDB catalog when one was requested for an S3 target.
type archiveTarget struct {
	store   backup.ArchiveStore
	catalog *backups3.Catalog
}

// resolveTarget turns a --target value into an archive store.
//
//	./archives                          local directory
//	s3://bucket/prefix                  S3, credentials from the environment
//	minio://host:9000/bucket/prefix     MinIO, credentials from MINIO_* vars
//
// catalogTable enables the DynamoDB latest-archive catalog and is only
// valid with an s3:// target.
func resolveTarget(ctx context.Context, raw, catalogTable string) (*archiveTarget, error) {
	u, err := url.Parse(raw)
	if err == nil && u.Scheme == "s3" {
		bucket := u.Host
		if bucket == "" {
			return nil, fmt.Errorf("s3 target %q: missing bucket", raw)
		}

		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		t := &archiveTarget{
			store: backups3.NewStore(awss3.NewFromConfig(cfg), bucket, strings.TrimPrefix(u.Path, "/")),
		}
		if catalogTable != "" {
			t.catalog = backups3.NewCatalog(dynamodb.NewFromConfig(cfg), catalogTable)
		}
		return t, nil
	}

	if err == nil && u.Scheme == "minio" {
		if catalogTable != "" {
			return nil, fmt.Errorf("--catalog-table requires an s3:// target")
		}

		endpoint := u.Host
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if endpoint == "" || bucket == "" {
			return nil, fmt.Errorf("minio target %q: want minio://host:port/bucket[/prefix]", raw)
		}

		client, err := minio.New(endpoint, &minio.Options{
			Creds: credentials.NewEnvMinio(),
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		return &archiveTarget{store: backupminio.NewStore(client, bucket, prefix)}, nil
	}

	// Anything without a known scheme is a local directory.
	if catalogTable != "" {
		return nil, fmt.Errorf("--catalog-table requires an s3:// target")
	}
	return &archiveTarget{store: backup.NewLocal(raw)}, nil
}

func addTargetFlags(cmd *cobra.Command, target, catalogTable *string) {
	cmd.Flags().StringVar(target, "target", "", "archive location: directory, s3://bucket/prefix or minio://host:port/bucket/prefix (required)")
	_ = cmd.MarkFlagRequired("target")
	cmd.Flags().StringVar(catalogTable, "catalog-table", "", "DynamoDB table recording the latest archive per datafile (s3 targets only)")
}
