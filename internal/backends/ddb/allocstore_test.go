package ddb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/josephsvk/DRTA/internal/backends/storetest"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const TestTableName = "drta_test_enrollments"

// Requires a local AWS mock (moto or dynamodb-local), e.g.
// TEST_DDB_ENDPOINT=http://localhost:4566
func TestDDBAllocStore(t *testing.T) {
	endpoint := os.Getenv("TEST_DDB_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_DDB_ENDPOINT not set")
	}
	suite.Run(t, &storetest.StoreTestSuite{
		Open: func() (ports.AllocationStore, error) {
			awsCfg, err := config.LoadDefaultConfig(context.Background())
			if err != nil {
				return nil, err
			}
			ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(endpoint)
				if o.Region == "" {
					o.Region = "us-east-1"
				}
				o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
			})
			return NewAllocStore(TestTableName, ddbClient), nil
		},
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "PORT#8001", pkPort(8001))
	assert.Equal(t, "ADDR#fd00::1", pkAddr("fd00::1"))
	assert.Equal(t, "REC#abc", skRecord("abc"))

	p, err := parsePortPK(pkPort(8123))
	assert.NoError(t, err)
	assert.Equal(t, 8123, p)

	_, err = parsePortPK("ADDR#fd00::1")
	assert.Error(t, err)
}

func TestCommitContextOutlivesCaller(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, done := commitContext(parent)
	defer done()
	cancel()

	assert.NoError(t, ctx.Err())
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(commitTimeout), deadline, time.Second)
}
