package ddb

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	// LockTTL bounds how long a crashed holder can block allocations.
	LockTTL       = 30 * time.Second
	lockRetryWait = 25 * time.Millisecond

	// batchGetMax is the BatchGetItem key limit.
	batchGetMax = 100
)

// AllocStore implements ports.AllocationStore on a single DynamoDB table.
// Allocations are serialized by a lease item; the commit is one conditional
// TransactWriteItems over the record item and its port and address claims,
// guarded by a check that the lease is still ours.
type AllocStore struct {
	table string
	cli   *dynamodb.Client
	now   func() time.Time
}

type recordItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	types.EnrollmentRecord
}

type claimItem struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	UniqueID string `dynamodbav:"unique_id"`
}

func NewAllocStore(table string, cli *dynamodb.Client) *AllocStore {
	createTableIfNotExists(cli, table)
	return &AllocStore{table: table, cli: cli, now: time.Now}
}

type allocTx struct {
	s      *AllocStore
	staged *types.EnrollmentRecord
}

func (s *AllocStore) Allocate(ctx context.Context, fn ports.AllocateFunc) (types.EnrollmentRecord, error) {
	token, err := s.lock(ctx)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	defer s.unlock(token)

	t := &allocTx{s: s}
	rec, err := fn(ctx, t)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	if t.staged == nil {
		return rec, nil
	}
	if err := ctx.Err(); err != nil {
		return types.EnrollmentRecord{}, err
	}
	if err := s.commit(ctx, token, *t.staged); err != nil {
		return types.EnrollmentRecord{}, err
	}
	return rec, nil
}

func (s *AllocStore) lock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	for {
		now := s.now()
		_, err := s.cli.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: &s.table,
			Item: map[string]ddbTypes.AttributeValue{
				"PK":         &ddbTypes.AttributeValueMemberS{Value: pkLock()},
				"SK":         &ddbTypes.AttributeValueMemberS{Value: skAlloc()},
				"owner":      &ddbTypes.AttributeValueMemberS{Value: token},
				"expires_at": &ddbTypes.AttributeValueMemberN{Value: itoa(now.Add(LockTTL).UnixMilli())},
			},
			ConditionExpression: awsString("attribute_not_exists(PK) OR expires_at < :now"),
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
				":now": &ddbTypes.AttributeValueMemberN{Value: itoa(now.UnixMilli())},
			},
		})
		if err == nil {
			return token, nil
		}
		var cc *ddbTypes.ConditionalCheckFailedException
		if !errorAs(err, &cc) {
			return "", wrap(ctx, err, "acquire allocation lock")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
}

func (s *AllocStore) unlock(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.cli.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &s.table,
		Key:                 key(pkLock(), skAlloc()),
		ConditionExpression: awsString("#owner = :token"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":token": &ddbTypes.AttributeValueMemberS{Value: token},
		},
	})
	var cc *ddbTypes.ConditionalCheckFailedException
	if err != nil && !errorAs(err, &cc) {
		log.WithError(err).Warn("failed to release allocation lock, it will expire")
	}
}

// commitTimeout bounds a commit once it has been sent. The commit does not
// follow the caller's cancellation, so an error always means nothing was written.
const commitTimeout = 5 * time.Second

func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

func (s *AllocStore) commit(ctx context.Context, token string, rec types.EnrollmentRecord) error {
	recAV, err := attributevalue.MarshalMap(recordItem{PK: pkEnroll(), SK: skRecord(rec.UniqueID), EnrollmentRecord: rec})
	if err != nil {
		return err
	}
	portAV, err := attributevalue.MarshalMap(claimItem{PK: pkPort(rec.Port), SK: skClaim(), UniqueID: rec.UniqueID})
	if err != nil {
		return err
	}
	addrAV, err := attributevalue.MarshalMap(claimItem{PK: pkAddr(rec.Address), SK: skClaim(), UniqueID: rec.UniqueID})
	if err != nil {
		return err
	}
	notExists := awsString("attribute_not_exists(PK) AND attribute_not_exists(SK)")

	ctx, cancel := commitContext(ctx)
	defer cancel()

	_, err = s.cli.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbTypes.TransactWriteItem{
			{ConditionCheck: &ddbTypes.ConditionCheck{
				TableName:           &s.table,
				Key:                 key(pkLock(), skAlloc()),
				ConditionExpression: awsString("#owner = :token"),
				ExpressionAttributeNames: map[string]string{
					"#owner": "owner",
				},
				ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
					":token": &ddbTypes.AttributeValueMemberS{Value: token},
				},
			}},
			{Put: &ddbTypes.Put{TableName: &s.table, Item: recAV, ConditionExpression: notExists}},
			{Put: &ddbTypes.Put{TableName: &s.table, Item: portAV, ConditionExpression: notExists}},
			{Put: &ddbTypes.Put{TableName: &s.table, Item: addrAV, ConditionExpression: notExists}},
		},
	})
	if err != nil {
		var tc *ddbTypes.TransactionCanceledException
		if errorAs(err, &tc) && conditionFailed(tc) {
			return types.Err(types.ErrConflict, err, "")
		}
		return wrap(ctx, err, "commit allocation")
	}
	return nil
}

func conditionFailed(tc *ddbTypes.TransactionCanceledException) bool {
	for _, r := range tc.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// NextFreePort walks the range in BatchGetItem sized windows and returns the
// first port without a claim item.
func (t *allocTx) NextFreePort(ctx context.Context, start, end int) (int, error) {
	for lo := start; lo < end; lo += batchGetMax {
		hi := min(lo+batchGetMax, end)
		taken, err := t.s.claimedPorts(ctx, lo, hi)
		if err != nil {
			return 0, err
		}
		for p := lo; p < hi; p++ {
			if !taken[p] {
				return p, nil
			}
		}
	}
	return 0, types.ErrPortRangeExhausted
}

func (s *AllocStore) claimedPorts(ctx context.Context, lo, hi int) (map[int]bool, error) {
	keys := make([]map[string]ddbTypes.AttributeValue, 0, hi-lo)
	for p := lo; p < hi; p++ {
		keys = append(keys, key(pkPort(p), skClaim()))
	}
	taken := make(map[int]bool, len(keys))
	pending := map[string]ddbTypes.KeysAndAttributes{
		s.table: {Keys: keys, ConsistentRead: awsBool(true), ProjectionExpression: awsString("PK")},
	}
	for len(pending) > 0 {
		out, err := s.cli.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
		if err != nil {
			return nil, wrap(ctx, err, "scan ports")
		}
		for _, item := range out.Responses[s.table] {
			var pk struct {
				PK string `dynamodbav:"PK"`
			}
			if err := attributevalue.UnmarshalMap(item, &pk); err != nil {
				return nil, err
			}
			p, err := parsePortPK(pk.PK)
			if err != nil {
				return nil, err
			}
			taken[p] = true
		}
		pending = out.UnprocessedKeys
		if len(pending) > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lockRetryWait):
			}
		}
	}
	return taken, nil
}

func (t *allocTx) IsAddressTaken(ctx context.Context, address string) (bool, error) {
	return t.s.exists(ctx, pkAddr(address), skClaim())
}

func (s *AllocStore) exists(ctx context.Context, pk, sk string) (bool, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            &s.table,
		Key:                  key(pk, sk),
		ConsistentRead:       awsBool(true),
		ProjectionExpression: awsString("PK"),
	})
	if err != nil {
		return false, wrap(ctx, err, "read %s", pk)
	}
	return out.Item != nil, nil
}

func (t *allocTx) Insert(ctx context.Context, rec types.EnrollmentRecord) (types.EnrollmentRecord, error) {
	if t.staged != nil {
		return types.EnrollmentRecord{}, errors.New("only one insert per allocation")
	}
	for _, k := range [][2]string{
		{pkPort(rec.Port), skClaim()},
		{pkAddr(rec.Address), skClaim()},
		{pkEnroll(), skRecord(rec.UniqueID)},
	} {
		taken, err := t.s.exists(ctx, k[0], k[1])
		if err != nil {
			return types.EnrollmentRecord{}, err
		}
		if taken {
			return types.EnrollmentRecord{}, types.ErrConflict
		}
	}
	id, err := t.s.nextID(ctx)
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	rec.ID = id
	rec.CreatedAt = t.s.now().UTC()
	t.staged = &rec
	return rec, nil
}

func (s *AllocStore) nextID(ctx context.Context) (int64, error) {
	out, err := s.cli.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.table,
		Key:              key(pkSeq(), SEnroll),
		UpdateExpression: awsString("ADD #n :one"),
		ExpressionAttributeNames: map[string]string{
			"#n": "n",
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":one": &ddbTypes.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: ddbTypes.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, wrap(ctx, err, "assign id")
	}
	var seq struct {
		N int64 `dynamodbav:"n"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &seq); err != nil {
		return 0, err
	}
	return seq.N, nil
}

func (s *AllocStore) List(ctx context.Context) ([]types.EnrollmentRecord, error) {
	var out []types.EnrollmentRecord
	var startKey map[string]ddbTypes.AttributeValue
	for {
		page, err := s.cli.Query(ctx, &dynamodb.QueryInput{
			TableName:              &s.table,
			KeyConditionExpression: awsString("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
				":pk": &ddbTypes.AttributeValueMemberS{Value: pkEnroll()},
				":sk": &ddbTypes.AttributeValueMemberS{Value: SRec + "#"},
			},
			ConsistentRead:    awsBool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, wrap(ctx, err, "list enrollments")
		}
		for _, item := range page.Items {
			var r recordItem
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				return nil, err
			}
			out = append(out, r.EnrollmentRecord)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *AllocStore) Get(ctx context.Context, uniqueID string) (types.EnrollmentRecord, error) {
	out, err := s.cli.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            key(pkEnroll(), skRecord(uniqueID)),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return types.EnrollmentRecord{}, wrap(ctx, err, "get enrollment %s", uniqueID)
	}
	if out.Item == nil {
		return types.EnrollmentRecord{}, types.ErrNotFound
	}
	var r recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return types.EnrollmentRecord{}, err
	}
	return r.EnrollmentRecord, nil
}

func (s *AllocStore) Delete(ctx context.Context, uniqueID string) error {
	rec, err := s.Get(ctx, uniqueID)
	if err != nil {
		return err
	}
	_, err = s.cli.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbTypes.TransactWriteItem{
			{Delete: &ddbTypes.Delete{
				TableName:           &s.table,
				Key:                 key(pkEnroll(), skRecord(uniqueID)),
				ConditionExpression: awsString("attribute_exists(PK)"),
			}},
			{Delete: &ddbTypes.Delete{TableName: &s.table, Key: key(pkPort(rec.Port), skClaim())}},
			{Delete: &ddbTypes.Delete{TableName: &s.table, Key: key(pkAddr(rec.Address), skClaim())}},
		},
	})
	if err != nil {
		var tc *ddbTypes.TransactionCanceledException
		if errorAs(err, &tc) && conditionFailed(tc) {
			return types.ErrNotFound
		}
		return wrap(ctx, err, "delete enrollment %s", uniqueID)
	}
	return nil
}

func (s *AllocStore) ClearAll(ctx context.Context) error {
	_, err := s.cli.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: &s.table,
	})
	if err != nil {
		return err
	}
	// wait until the table is deleted
	err = dynamodb.NewTableNotExistsWaiter(s.cli).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}, 30*time.Second)
	if err != nil {
		return err
	}
	createTableIfNotExists(s.cli, s.table)
	return nil
}

func (s *AllocStore) Close() error { return nil }

func wrap(ctx context.Context, err error, msgTemplate string, args ...any) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return types.Err(types.ErrStoreUnavailable, err, msgTemplate, args...)
}
