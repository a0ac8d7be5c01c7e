package objectclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/markdave123-py/drivesync/internal/config"
	"github.com/markdave123-py/drivesync/internal/models"
)

func TestArchiveKey(t *testing.T) {
	k := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}
	assert.Equal(t, "t1/d1/i1.txt", ArchiveKey(k))
	assert.Equal(t, "t1/", TenantPrefix("t1"))
}

func TestNewS3Client_RequiresBucketAndRegion(t *testing.T) {
	_, err := NewS3Client(context.Background(), &cfg.Config{AwsRegion: "us-east-1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARCHIVE_BUCKET")

	_, err = NewS3Client(context.Background(), &cfg.Config{ArchiveBucket: "b"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_REGION")
}
