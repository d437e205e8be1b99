package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cuemby/burrow/pkg/errdefs"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore
type DynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig holds connection settings for DynamoDB
type DynamoConfig struct {
	Region          string
	Endpoint        string // custom endpoint, e.g. DynamoDB Local
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoClient builds a DynamoDB client from cfg. Static credentials are
// used when an access key is set, otherwise the default AWS chain applies.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// DynamoStore implements Store on Amazon DynamoDB
type DynamoStore struct {
	client DynamoAPI

	mu   sync.RWMutex
	keys map[string]KeySchema
}

// NewDynamoStore wraps a DynamoDB client
func NewDynamoStore(client DynamoAPI) *DynamoStore {
	return &DynamoStore{
		client: client,
		keys:   make(map[string]KeySchema),
	}
}

func (s *DynamoStore) Close() error {
	return nil
}

func (s *DynamoStore) CreateTable(ctx context.Context, name string, key KeySchema) error {
	if err := key.Validate(); err != nil {
		return err
	}

	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: ddbtypes.BillingModePayPerRequest,
	}
	for i, a := range key {
		keyType := ddbtypes.KeyTypeHash
		if i == 1 {
			keyType = ddbtypes.KeyTypeRange
		}
		in.AttributeDefinitions = append(in.AttributeDefinitions, ddbtypes.AttributeDefinition{
			AttributeName: aws.String(a.Name),
			AttributeType: ddbtypes.ScalarAttributeType(a.Type),
		})
		in.KeySchema = append(in.KeySchema, ddbtypes.KeySchemaElement{
			AttributeName: aws.String(a.Name),
			KeyType:       keyType,
		})
	}

	if _, err := s.client.CreateTable(ctx, in); err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			return fmt.Errorf("%s: %w", name, ErrTableExists)
		}
		return mapDynamoErr("CreateTable", name, err)
	}
	s.cacheKey(name, key)
	return nil
}

func (s *DynamoStore) DescribeTable(ctx context.Context, name string) (*TableDescription, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return nil, mapDynamoErr("DescribeTable", name, err)
	}
	t := out.Table
	if t == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrTableNotFound)
	}

	attrTypes := make(map[string]AttributeType, len(t.AttributeDefinitions))
	for _, def := range t.AttributeDefinitions {
		attrTypes[aws.ToString(def.AttributeName)] = AttributeType(def.AttributeType)
	}
	var key KeySchema
	for _, el := range t.KeySchema {
		attr := KeyAttribute{Name: aws.ToString(el.AttributeName), Type: attrTypes[aws.ToString(el.AttributeName)]}
		if el.KeyType == ddbtypes.KeyTypeRange {
			key = append(key, attr)
		} else {
			key = append(KeySchema{attr}, key...)
		}
	}

	desc := &TableDescription{
		Name:      aws.ToString(t.TableName),
		Status:    dynamoStatus(t.TableStatus),
		Key:       key,
		ItemCount: aws.ToInt64(t.ItemCount),
	}
	if t.CreationDateTime != nil {
		desc.CreatedAt = *t.CreationDateTime
	}
	if len(key) > 0 {
		s.cacheKey(name, key)
	}
	return desc, nil
}

func (s *DynamoStore) DeleteTable(ctx context.Context, name string) error {
	_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	s.mu.Lock()
	delete(s.keys, name)
	s.mu.Unlock()
	return mapDynamoErr("DeleteTable", name, err)
}

func (s *DynamoStore) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	p := dynamodb.NewListTablesPaginator(s.client, &dynamodb.ListTablesInput{})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapDynamoErr("ListTables", "", err)
		}
		names = append(names, out.TableNames...)
	}
	return names, nil
}

func (s *DynamoStore) PutItem(ctx context.Context, table string, item Item, cond Condition) error {
	av, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return errdefs.InvalidArgument("item is not serializable: %v", err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(table), Item: av}
	if cond != NoCondition {
		key, err := s.keySchema(ctx, table)
		if err != nil {
			return err
		}
		in.ConditionExpression, in.ExpressionAttributeNames = conditionExpr(cond, key[0].Name)
	}
	_, err = s.client.PutItem(ctx, in)
	return mapDynamoErr("PutItem", table, err)
}

func (s *DynamoStore) GetItem(ctx context.Context, table string, key Key) (Item, error) {
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return nil, errdefs.InvalidArgument("key is not serializable: %v", err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapDynamoErr("GetItem", table, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrItemNotFound
	}
	return unmarshalItem(out.Item)
}

func (s *DynamoStore) UpdateItem(ctx context.Context, table string, key Key, upd Update, cond Condition) error {
	if len(key) == 0 {
		return errdefs.InvalidArgument("key is empty")
	}
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return errdefs.InvalidArgument("key is not serializable: %v", err)
	}
	for name := range key {
		if _, ok := upd.Set[name]; ok {
			return errdefs.InvalidArgument("cannot update key attribute %q", name)
		}
	}

	expr, names, values, err := updateExpr(upd)
	if err != nil {
		return err
	}
	if expr == "" {
		// Nothing to change; still honor the condition.
		if cond == IfExists {
			if _, err := s.GetItem(ctx, table, key); errors.Is(err, ErrItemNotFound) {
				return ErrConditionFailed
			} else if err != nil {
				return err
			}
		}
		return nil
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       k,
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if cond != NoCondition {
		condExpr, condNames := conditionExpr(cond, sortedKeyNames(key)[0])
		in.ConditionExpression = condExpr
		for placeholder, name := range condNames {
			in.ExpressionAttributeNames[placeholder] = name
		}
	}
	_, err = s.client.UpdateItem(ctx, in)
	return mapDynamoErr("UpdateItem", table, err)
}

func (s *DynamoStore) DeleteItem(ctx context.Context, table string, key Key) error {
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return errdefs.InvalidArgument("key is not serializable: %v", err)
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(table), Key: k})
	return mapDynamoErr("DeleteItem", table, err)
}

func (s *DynamoStore) Scan(ctx context.Context, table string, startAfter Key, limit int) (*Page, error) {
	in := &dynamodb.ScanInput{
		TableName:      aws.String(table),
		Limit:          aws.Int32(int32(pageLimit(limit))),
		ConsistentRead: aws.Bool(true),
	}
	if len(startAfter) > 0 {
		esk, err := attributevalue.MarshalMap(map[string]any(startAfter))
		if err != nil {
			return nil, errdefs.InvalidArgument("start key is not serializable: %v", err)
		}
		in.ExclusiveStartKey = esk
	}

	out, err := s.client.Scan(ctx, in)
	if err != nil {
		return nil, mapDynamoErr("Scan", table, err)
	}

	page := &Page{Items: make([]Item, 0, len(out.Items))}
	for _, raw := range out.Items {
		item, err := unmarshalItem(raw)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, item)
	}
	if len(out.LastEvaluatedKey) > 0 {
		var last map[string]any
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &last); err != nil {
			return nil, errdefs.Fault("Scan", err)
		}
		page.LastKey = Key(last)
	}
	return page, nil
}

func (s *DynamoStore) cacheKey(table string, key KeySchema) {
	s.mu.Lock()
	s.keys[table] = key
	s.mu.Unlock()
}

// keySchema returns the cached key schema of table, describing it on a miss
func (s *DynamoStore) keySchema(ctx context.Context, table string) (KeySchema, error) {
	s.mu.RLock()
	key, ok := s.keys[table]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}
	desc, err := s.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(desc.Key) == 0 {
		return nil, errdefs.Fault("DescribeTable", fmt.Errorf("table %s reports no key schema", table))
	}
	return desc.Key, nil
}

func unmarshalItem(raw map[string]ddbtypes.AttributeValue) (Item, error) {
	var m map[string]any
	if err := attributevalue.UnmarshalMap(raw, &m); err != nil {
		return nil, errdefs.Fault("unmarshal item", err)
	}
	return Item(m), nil
}

func conditionExpr(cond Condition, keyAttr string) (*string, map[string]string) {
	names := map[string]string{"#k": keyAttr}
	if cond == IfNotExists {
		return aws.String("attribute_not_exists(#k)"), names
	}
	return aws.String("attribute_exists(#k)"), names
}

// updateExpr renders an Update as a SET/REMOVE expression with placeholder
// names, attribute names sorted so the expression is deterministic.
func updateExpr(upd Update) (string, map[string]string, map[string]ddbtypes.AttributeValue, error) {
	names := make(map[string]string)
	values := make(map[string]ddbtypes.AttributeValue)

	setKeys := make([]string, 0, len(upd.Set))
	for k := range upd.Set {
		setKeys = append(setKeys, k)
	}
	sort.Strings(setKeys)

	var clauses []string
	if len(setKeys) > 0 {
		parts := make([]string, 0, len(setKeys))
		for i, k := range setKeys {
			av, err := attributevalue.Marshal(upd.Set[k])
			if err != nil {
				return "", nil, nil, errdefs.InvalidArgument("attribute %q is not serializable: %v", k, err)
			}
			n, v := fmt.Sprintf("#s%d", i), fmt.Sprintf(":s%d", i)
			names[n] = k
			values[v] = av
			parts = append(parts, n+" = "+v)
		}
		clauses = append(clauses, "SET "+strings.Join(parts, ", "))
	}
	if len(upd.Remove) > 0 {
		parts := make([]string, 0, len(upd.Remove))
		for i, k := range upd.Remove {
			n := fmt.Sprintf("#r%d", i)
			names[n] = k
			parts = append(parts, n)
		}
		clauses = append(clauses, "REMOVE "+strings.Join(parts, ", "))
	}
	if len(values) == 0 {
		values = nil
	}
	return strings.Join(clauses, " "), names, values, nil
}

func sortedKeyNames(key Key) []string {
	names := make([]string, 0, len(key))
	for k := range key {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func dynamoStatus(s ddbtypes.TableStatus) TableStatus {
	switch s {
	case ddbtypes.TableStatusActive, ddbtypes.TableStatusUpdating:
		return TableActive
	case ddbtypes.TableStatusCreating:
		return TableCreating
	case ddbtypes.TableStatusDeleting:
		return TableDeleting
	}
	return TableStatus(s)
}

func mapDynamoErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	var condFailed *ddbtypes.ConditionalCheckFailedException
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%s: %w", table, ErrTableNotFound)
	case errors.As(err, &condFailed):
		return ErrConditionFailed
	}
	return errdefs.Fault(op, err)
}
