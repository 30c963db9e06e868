package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
)

// DynamoDBClient defines the DynamoDB operations used by the tenant directory.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Item layout in the single directory table (pk = tenant id):
//
//	sk "TENANT"          tenant profile; customer_id feeds the customer index
//	sk "SUBSCRIPTION"    subscription record; pending_cancel/access_ends_at
//	                     feed the sparse pending-cancellation index
//	sk "EVENT#<id>"      processed-event marker
//	sk "AUDIT#<ts>#<id>" group update audit entry
const (
	skTenant       = "TENANT"
	skSubscription = "SUBSCRIPTION"
	skEventPrefix  = "EVENT#"
	skAuditPrefix  = "AUDIT#"

	// DefaultCustomerIndex is the GSI on customer_id.
	DefaultCustomerIndex = "customer_id-index"
	// DefaultPendingCancelIndex is the sparse GSI keyed on pending_cancel and
	// sorted by access_ends_at.
	DefaultPendingCancelIndex = "pending_cancel-index"
)

// DynamoConfig configures a DynamoDirectory.
type DynamoConfig struct {
	Table              string `yaml:"table" json:"table"`
	Region             string `yaml:"region" json:"region"`
	Endpoint           string `yaml:"endpoint" json:"endpoint"`
	CustomerIndex      string `yaml:"customer_index" json:"customer_index"`
	PendingCancelIndex string `yaml:"pending_cancel_index" json:"pending_cancel_index"`
}

// DynamoDirectory implements TenantDirectory on a single DynamoDB table.
// Commits use TransactWriteItems with condition expressions.
type DynamoDirectory struct {
	client             DynamoDBClient
	table              string
	customerIndex      string
	pendingCancelIndex string
}

// NewDynamoDirectory creates a DynamoDirectory.
func NewDynamoDirectory(client DynamoDBClient, cfg DynamoConfig) *DynamoDirectory {
	if cfg.Table == "" {
		cfg.Table = "tenant-directory"
	}
	if cfg.CustomerIndex == "" {
		cfg.CustomerIndex = DefaultCustomerIndex
	}
	if cfg.PendingCancelIndex == "" {
		cfg.PendingCancelIndex = DefaultPendingCancelIndex
	}
	return &DynamoDirectory{
		client:             client,
		table:              cfg.Table,
		customerIndex:      cfg.CustomerIndex,
		pendingCancelIndex: cfg.PendingCancelIndex,
	}
}

func strAttr(v string) *dbtypes.AttributeValueMemberS { return &dbtypes.AttributeValueMemberS{Value: v} }

func itemKey(pk, sk string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{"pk": strAttr(pk), "sk": strAttr(sk)}
}

func stringAttr(item map[string]dbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (d *DynamoDirectory) PutTenant(ctx context.Context, t *Tenant) error {
	if t == nil || t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	item := itemKey(t.ID, skTenant)
	item["tenant_id"] = strAttr(t.ID)
	item["name"] = strAttr(t.Name)
	item["created_at"] = strAttr(t.CreatedAt.Format(time.RFC3339Nano))
	if t.CustomerID != "" {
		item["customer_id"] = strAttr(t.CustomerID)
	}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put tenant: %w", err)
	}
	return nil
}

func (d *DynamoDirectory) GetTenantByCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(d.customerIndex),
		KeyConditionExpression: aws.String("customer_id = :c"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":c": strAttr(customerID),
		},
		Limit: aws.Int32(2),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb query customer index: %w", err)
	}
	for _, item := range out.Items {
		if stringAttr(item, "sk") != skTenant {
			continue
		}
		t := &Tenant{
			ID:         stringAttr(item, "tenant_id"),
			CustomerID: stringAttr(item, "customer_id"),
			Name:       stringAttr(item, "name"),
		}
		if ts, err := time.Parse(time.RFC3339Nano, stringAttr(item, "created_at")); err == nil {
			t.CreatedAt = ts
		}
		return t, nil
	}
	return nil, ErrNotFound
}

func (d *DynamoDirectory) GetSubscription(ctx context.Context, tenantID string) (*billing.SubscriptionRecord, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(tenantID, skSubscription),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get subscription: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return decodeRecord(out.Item)
}

func decodeRecord(item map[string]dbtypes.AttributeValue) (*billing.SubscriptionRecord, error) {
	data := stringAttr(item, "data")
	if data == "" {
		return nil, fmt.Errorf("dynamodb: subscription item has no data attribute")
	}
	var rec billing.SubscriptionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("dynamodb: unmarshal subscription: %w", err)
	}
	return &rec, nil
}

func (d *DynamoDirectory) subscriptionItem(r *billing.SubscriptionRecord) (map[string]dbtypes.AttributeValue, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	item := itemKey(r.TenantID, skSubscription)
	item["tenant_id"] = strAttr(r.TenantID)
	item["status"] = strAttr(string(r.Status))
	item["last_event_id"] = strAttr(r.LastEventID)
	item["updated_at"] = strAttr(r.UpdatedAt.Format(time.RFC3339Nano))
	item["data"] = strAttr(string(data))
	if pendingCancellation(r) {
		item["pending_cancel"] = strAttr("1")
		item["access_ends_at"] = &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(r.AccessEndsAt.Unix(), 10)}
	}
	return item, nil
}

// Transaction item order; cancellation reasons are reported by index.
const (
	txMarker = iota
	txRecord
)

func (d *DynamoDirectory) CommitSubscription(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	recordItem, err := d.subscriptionItem(req.Record)
	if err != nil {
		return "", err
	}

	marker := itemKey(req.TenantID, skEventPrefix+req.EventID)
	marker["processed_at"] = strAttr(time.Now().UTC().Format(time.RFC3339Nano))

	recordPut := &dbtypes.Put{
		TableName:                           aws.String(d.table),
		Item:                                recordItem,
		ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if req.Create {
		recordPut.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		recordPut.ConditionExpression = aws.String("last_event_id = :expected")
		recordPut.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{
			":expected": strAttr(req.ExpectedEventID),
		}
	}

	items := []dbtypes.TransactWriteItem{
		{Put: &dbtypes.Put{
			TableName:           aws.String(d.table),
			Item:                marker,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		}},
		{Put: recordPut},
	}
	if a := req.Audit; a != nil {
		auditItem := itemKey(a.TenantID, skAuditPrefix+a.ProcessedAt.UTC().Format(time.RFC3339Nano)+"#"+a.ID)
		data, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("marshal audit record: %w", err)
		}
		auditItem["data"] = strAttr(string(data))
		items = append(items, dbtypes.TransactWriteItem{Put: &dbtypes.Put{
			TableName:           aws.String(d.table),
			Item:                auditItem,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		}})
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return CommitApplied, nil
	}

	var canceled *dbtypes.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return "", fmt.Errorf("dynamodb transact write: %w", err)
	}
	reasons := canceled.CancellationReasons
	if conditionFailed(reasons, txMarker) {
		return CommitAlreadyApplied, nil
	}
	if conditionFailed(reasons, txRecord) {
		if !req.Create && reasons[txRecord].Item == nil {
			return "", ErrNotFound
		}
		return CommitConflict, nil
	}
	return "", fmt.Errorf("dynamodb transact write canceled: %w", err)
}

func conditionFailed(reasons []dbtypes.CancellationReason, idx int) bool {
	return idx < len(reasons) && aws.ToString(reasons[idx].Code) == "ConditionalCheckFailed"
}

func (d *DynamoDirectory) ListExpiredCancellations(ctx context.Context, before time.Time, limit int) ([]*billing.SubscriptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(d.pendingCancelIndex),
		KeyConditionExpression: aws.String("pending_cancel = :p AND access_ends_at <= :before"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":p":      strAttr("1"),
			":before": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(before.Unix(), 10)},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb query pending cancellations: %w", err)
	}
	var recs []*billing.SubscriptionRecord
	for _, item := range out.Items {
		rec, err := decodeRecord(item)
		if err != nil {
			return nil, err
		}
		// The index may lag the table; re-check against the record itself.
		if pendingExpiry(rec, before) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (d *DynamoDirectory) ListAudit(ctx context.Context, tenantID string) ([]*billing.GroupUpdateAuditRecord, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":pk":     strAttr(tenantID),
			":prefix": strAttr(skAuditPrefix),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb query audit: %w", err)
	}
	var recs []*billing.GroupUpdateAuditRecord
	for _, item := range out.Items {
		var a billing.GroupUpdateAuditRecord
		if err := json.Unmarshal([]byte(stringAttr(item, "data")), &a); err != nil {
			return nil, fmt.Errorf("dynamodb: unmarshal audit: %w", err)
		}
		recs = append(recs, &a)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ProcessedAt.Before(recs[j].ProcessedAt) })
	return recs, nil
}

var _ TenantDirectory = (*DynamoDirectory)(nil)
