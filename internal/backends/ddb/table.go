package ddb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

const (
	SEnroll = "ENROLL"
	SRec    = "REC"
	SPort   = "PORT"
	SAddr   = "ADDR"
	SLock   = "LOCK"
	SSeq    = "SEQ"
)

// All records share one partition so List is a single Query; claims get
// their own partitions so conditional puts on them are the uniqueness
// constraint.
func pkEnroll() string                { return SEnroll }
func skRecord(uniqueID string) string { return fmt.Sprintf("%s#%s", SRec, uniqueID) }
func pkPort(port int) string          { return fmt.Sprintf("%s#%d", SPort, port) }
func pkAddr(address string) string    { return fmt.Sprintf("%s#%s", SAddr, address) }
func skClaim() string                 { return "CLAIM" }
func pkLock() string                  { return SLock }
func skAlloc() string                 { return "ALLOC" }
func pkSeq() string                   { return SSeq }

func parsePortPK(pk string) (int, error) {
	var p int
	_, err := fmt.Sscanf(pk, SPort+"#%d", &p)
	return p, err
}

func key(pk, sk string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{
		"PK": &ddbTypes.AttributeValueMemberS{Value: pk},
		"SK": &ddbTypes.AttributeValueMemberS{Value: sk},
	}
}

func createTableIfNotExists(client *dynamodb.Client, table string) {
	_, err := client.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName: &table,
		AttributeDefinitions: []ddbTypes.AttributeDefinition{
			{AttributeName: awsString("PK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
			{AttributeName: awsString("SK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbTypes.KeySchemaElement{
			{AttributeName: awsString("PK"), KeyType: ddbTypes.KeyTypeHash},
			{AttributeName: awsString("SK"), KeyType: ddbTypes.KeyTypeRange},
		},
		BillingMode: ddbTypes.BillingModePayPerRequest,
	})
	var re *ddbTypes.ResourceInUseException
	if err != nil && !errors.As(err, &re) {
		log.Fatalf("Failed to create table %s: %v", table, err)
	}
}

func itoa(i int64) string                { return strconv.FormatInt(i, 10) }
func awsString(s string) *string         { return &s }
func awsBool(b bool) *bool               { return &b }
func errorAs(err error, target any) bool { return errors.As(err, target) }
