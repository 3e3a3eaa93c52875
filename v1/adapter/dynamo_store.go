package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Single-table layout:
//
//	PK=LOCK#<account>   SK=LOCK          lock row
//	PK=USER#<account>   SK=BALANCE       balance row
//	PK=TXN#<account>    SK=<sort key>    transaction row
//	PK=TXID#<account>   SK=<tx id>       id -> sort key index
const (
	lockSK    = "LOCK"
	balanceSK = "BALANCE"

	condLockAvailable = "attribute_not_exists(PK) OR expires_at < :now"
	condLockOwner     = "lock_id = :id"
	condNewItem       = "attribute_not_exists(PK)"
	condVersion       = "version = :expected"
)

func lockPK(accountID string) string    { return "LOCK#" + accountID }
func balancePK(accountID string) string { return "USER#" + accountID }
func txPK(accountID string) string      { return "TXN#" + accountID }
func txIDPK(accountID string) string    { return "TXID#" + accountID }

type lockItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	AccountID  string `dynamodbav:"account_id"`
	LockID     string `dynamodbav:"lock_id"`
	Operation  string `dynamodbav:"operation"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func (it lockItem) model() model.Lock {
	return model.Lock{
		AccountID:  it.AccountID,
		LockID:     it.LockID,
		Operation:  it.Operation,
		AcquiredAt: time.UnixMilli(it.AcquiredAt).UTC(),
		ExpiresAt:  time.UnixMilli(it.ExpiresAt).UTC(),
	}
}

type balanceItem struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	AccountID      string `dynamodbav:"account_id"`
	CurrentBalance string `dynamodbav:"current_balance"`
	Version        int64  `dynamodbav:"version"`
	UpdatedAt      string `dynamodbav:"updated_at"`
}

type txItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	TransactionID string `dynamodbav:"transaction_id"`
	AccountID     string `dynamodbav:"account_id"`
	Type          string `dynamodbav:"type"`
	Amount        string `dynamodbav:"amount"`
	Status        string `dynamodbav:"status"`
	Description   string `dynamodbav:"description"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func newTxItem(tx model.Transaction) txItem {
	return txItem{
		PK:            txPK(tx.AccountID),
		SK:            tx.SortKey(),
		TransactionID: tx.TransactionID,
		AccountID:     tx.AccountID,
		Type:          string(tx.Type),
		Amount:        tx.Amount.String(),
		Status:        string(tx.Status),
		Description:   tx.Description,
		CreatedAt:     tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (it txItem) model() (model.Transaction, error) {
	amount, err := decimal.NewFromString(it.Amount)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("decode amount of %s: %w", it.TransactionID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, it.CreatedAt)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("decode created_at of %s: %w", it.TransactionID, err)
	}
	return model.Transaction{
		TransactionID: it.TransactionID,
		AccountID:     it.AccountID,
		Type:          model.TransactionType(it.Type),
		Amount:        amount,
		Status:        model.TransactionStatus(it.Status),
		Description:   it.Description,
		CreatedAt:     created,
	}, nil
}

type txIDItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	SortKey string `dynamodbav:"sort_key"`
}

// DynamoConfig configures NewDynamoStoreFromConfig.
type DynamoConfig struct {
	Region    string
	TableName string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string
}

// DynamoStore implements Store on a single DynamoDB table keyed by the
// string attributes PK and SK.
type DynamoStore struct {
	client  DynamoAPI
	table   string
	timeout time.Duration
}

// NewDynamoStore returns a DynamoStore using client and table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, timeout: defaultRedisOpTimeout}
}

// NewDynamoStoreFromConfig loads the default AWS configuration for the
// region and builds a DynamoStore.
func NewDynamoStoreFromConfig(ctx context.Context, cfg DynamoConfig) (*DynamoStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoStore(client, cfg.TableName), nil
}

func (s *DynamoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) (bool, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, dynamoErr("GetItem", err)
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", pk, sk, err)
	}
	return true, nil
}

// GetLock implements LockStore.GetLock.
func (s *DynamoStore) GetLock(ctx context.Context, accountID string) (model.Lock, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Lock{}, false, err
	}
	defer cancel()
	var it lockItem
	ok, err := s.getItem(cctx, lockPK(accountID), lockSK, &it)
	if err != nil || !ok {
		return model.Lock{}, false, err
	}
	return it.model(), true, nil
}

// PutLockIfAvailable implements LockStore.PutLockIfAvailable with a
// conditional PutItem. The previous row comes back as ALL_OLD on success
// and on condition failure.
func (s *DynamoStore) PutLockIfAvailable(ctx context.Context, l model.Lock, now time.Time) (*model.Lock, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	item, err := attributevalue.MarshalMap(lockItem{
		PK:         lockPK(l.AccountID),
		SK:         lockSK,
		AccountID:  l.AccountID,
		LockID:     l.LockID,
		Operation:  l.Operation,
		AcquiredAt: l.AcquiredAt.UnixMilli(),
		ExpiresAt:  l.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal lock: %w", err)
	}
	nowAV, err := attributevalue.Marshal(now.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	res, err := s.client.PutItem(cctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.table),
		Item:                                item,
		ConditionExpression:                 aws.String(condLockAvailable),
		ExpressionAttributeValues:           map[string]types.AttributeValue{":now": nowAV},
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stdErrors.As(err, &ccf) {
			prev, perr := lockFromAttributes(ccf.Item)
			return prev, false, perr
		}
		return nil, false, dynamoErr("PutItem", err)
	}
	prev, err := lockFromAttributes(res.Attributes)
	return prev, true, err
}

func lockFromAttributes(av map[string]types.AttributeValue) (*model.Lock, error) {
	if len(av) == 0 {
		return nil, nil
	}
	var it lockItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock: %w", err)
	}
	l := it.model()
	return &l, nil
}

// DeleteLockIfOwner implements LockStore.DeleteLockIfOwner.
func (s *DynamoStore) DeleteLockIfOwner(ctx context.Context, accountID, lockID string) (bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	_, err = s.client.DeleteItem(cctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(lockPK(accountID), lockSK),
		ConditionExpression: aws.String(condLockOwner),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: lockID},
		},
	})
	if err = dynamoErr("DeleteItem", err); err != nil {
		if stdErrors.Is(err, conditionFailed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetBalance implements LedgerStore.GetBalance.
func (s *DynamoStore) GetBalance(ctx context.Context, accountID string) (model.Balance, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Balance{}, false, err
	}
	defer cancel()
	var it balanceItem
	ok, err := s.getItem(cctx, balancePK(accountID), balanceSK, &it)
	if err != nil || !ok {
		return model.Balance{}, false, err
	}
	amount, err := decimal.NewFromString(it.CurrentBalance)
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("decode balance of %s: %w", accountID, err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	return model.Balance{
		AccountID:      accountID,
		CurrentBalance: amount,
		Version:        it.Version,
		UpdatedAt:      updated,
	}, true, nil
}

// PutBalance implements LedgerStore.PutBalance.
func (s *DynamoStore) PutBalance(ctx context.Context, b model.Balance) error {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	item, err := attributevalue.MarshalMap(balanceItem{
		PK:             balancePK(b.AccountID),
		SK:             balanceSK,
		AccountID:      b.AccountID,
		CurrentBalance: b.CurrentBalance.String(),
		Version:        b.Version,
		UpdatedAt:      b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}
	if b.Version <= 1 {
		in.ConditionExpression = aws.String(condNewItem)
	} else {
		expected, err := attributevalue.Marshal(b.Version - 1)
		if err != nil {
			return err
		}
		in.ConditionExpression = aws.String(condVersion)
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": expected}
	}
	_, err = s.client.PutItem(cctx, in)
	return dynamoErr("PutItem", err)
}

// PutTransaction implements LedgerStore.PutTransaction. The id index row is
// claimed first; a transaction row missing behind an existing index row is
// rewritten so a retry after a partial failure converges.
func (s *DynamoStore) PutTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Transaction{}, false, err
	}
	defer cancel()
	idx, err := attributevalue.MarshalMap(txIDItem{PK: txIDPK(tx.AccountID), SK: tx.TransactionID, SortKey: tx.SortKey()})
	if err != nil {
		return model.Transaction{}, false, fmt.Errorf("failed to marshal index: %w", err)
	}
	_, err = s.client.PutItem(cctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                idx,
		ConditionExpression: aws.String(condNewItem),
	})
	err = dynamoErr("PutItem", err)
	switch {
	case err == nil:
		if err := s.putTxItem(cctx, newTxItem(tx)); err != nil {
			return model.Transaction{}, false, err
		}
		return tx, true, nil
	case stdErrors.Is(err, conditionFailed):
		stored, ok, err := s.getTransaction(cctx, tx.AccountID, tx.TransactionID)
		if err != nil {
			return model.Transaction{}, false, err
		}
		if ok {
			return stored, false, nil
		}
		var it txIDItem
		if _, err := s.getItem(cctx, txIDPK(tx.AccountID), tx.TransactionID, &it); err != nil {
			return model.Transaction{}, false, err
		}
		row := newTxItem(tx)
		if it.SortKey != "" {
			row.SK = it.SortKey
		}
		if err := s.putTxItem(cctx, row); err != nil {
			return model.Transaction{}, false, err
		}
		return tx, true, nil
	default:
		return model.Transaction{}, false, err
	}
}

func (s *DynamoStore) putTxItem(ctx context.Context, it txItem) error {
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return dynamoErr("PutItem", err)
}

// GetTransaction implements LedgerStore.GetTransaction.
func (s *DynamoStore) GetTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Transaction{}, false, err
	}
	defer cancel()
	return s.getTransaction(cctx, accountID, transactionID)
}

func (s *DynamoStore) getTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, bool, error) {
	var idx txIDItem
	ok, err := s.getItem(ctx, txIDPK(accountID), transactionID, &idx)
	if err != nil || !ok {
		return model.Transaction{}, false, err
	}
	var it txItem
	ok, err = s.getItem(ctx, txPK(accountID), idx.SortKey, &it)
	if err != nil || !ok {
		return model.Transaction{}, false, err
	}
	tx, err := it.model()
	if err != nil {
		return model.Transaction{}, false, err
	}
	return tx, true, nil
}

// DeleteTransaction implements LedgerStore.DeleteTransaction. The row goes
// first, then its index entry.
func (s *DynamoStore) DeleteTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var idx txIDItem
	ok, err := s.getItem(cctx, txIDPK(accountID), transactionID, &idx)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.client.DeleteItem(cctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(txPK(accountID), idx.SortKey),
	}); err != nil {
		return false, dynamoErr("DeleteItem", err)
	}
	if _, err := s.client.DeleteItem(cctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(txIDPK(accountID), transactionID),
	}); err != nil {
		return false, dynamoErr("DeleteItem", err)
	}
	return true, nil
}

// QueryTransactions implements LedgerStore.QueryTransactions. DynamoDB may
// hand back a NextKey that leads to an empty final page.
func (s *DynamoStore) QueryTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Page{}, err
	}
	defer cancel()
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: txPK(accountID)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}
	if startKey != "" {
		in.ExclusiveStartKey = itemKey(txPK(accountID), startKey)
	}
	res, err := s.client.Query(cctx, in)
	if err != nil {
		return model.Page{}, dynamoErr("Query", err)
	}
	var rows []txItem
	if err := attributevalue.UnmarshalListOfMaps(res.Items, &rows); err != nil {
		return model.Page{}, fmt.Errorf("failed to unmarshal transactions: %w", err)
	}
	page := model.Page{Items: make([]model.Transaction, 0, len(rows))}
	for _, it := range rows {
		tx, err := it.model()
		if err != nil {
			return model.Page{}, err
		}
		page.Items = append(page.Items, tx)
	}
	if sk, ok := res.LastEvaluatedKey["SK"].(*types.AttributeValueMemberS); ok {
		page.NextKey = sk.Value
	}
	return page, nil
}

// ListAccounts implements LedgerStore.ListAccounts by scanning balance rows.
func (s *DynamoStore) ListAccounts(ctx context.Context) ([]string, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var ids []string
	var start map[string]types.AttributeValue
	for {
		res, err := s.client.Scan(cctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			FilterExpression:     aws.String("SK = :sk"),
			ProjectionExpression: aws.String("account_id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: balanceSK},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, dynamoErr("Scan", err)
		}
		for _, item := range res.Items {
			if v, ok := item["account_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, v.Value)
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		start = res.LastEvaluatedKey
	}
	sort.Strings(ids)
	return ids, nil
}
