// Package dynamo implements store.Store on DynamoDB.
//
// Three tables back the ledger: payments keyed by session_id, attempts keyed
// by id, and free usage keyed by email. Consumption and finalization are
// TransactWriteItems calls whose condition expressions carry the single-use
// and free-tier rules.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/DukeRupert/gatekeeper/internal/aws"
	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/store"
)

// Index names.
const (
	AttemptsByEmailIndex   = "email-created_at-index"
	PaymentsByIntentIndex  = "payment_intent_id-index"
	maxTransactionAttempts = 5
)

// Fixed-width layout so created_at sorts lexicographically in index keys.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Tables names the three ledger tables.
type Tables struct {
	Payments  string
	Attempts  string
	FreeUsage string
}

// DefaultTables returns table names with the given prefix.
func DefaultTables(prefix string) Tables {
	return Tables{
		Payments:  prefix + "payments",
		Attempts:  prefix + "upload_attempts",
		FreeUsage: prefix + "free_usage",
	}
}

// Store is a DynamoDB-backed entitlement ledger.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// New creates a Store over existing tables.
func New(client aws.DynamoDBAPI, tables Tables) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

// =============================================================================
// Items
// =============================================================================

type paymentItem struct {
	SessionID       string     `dynamodbav:"session_id"`
	Email           string     `dynamodbav:"email"`
	AmountTotal     int64      `dynamodbav:"amount_total"`
	Currency        string     `dynamodbav:"currency"`
	PaymentIntentID string     `dynamodbav:"payment_intent_id,omitempty"`
	VerifiedAt      *time.Time `dynamodbav:"verified_at,omitempty"`
	UsedAt          *time.Time `dynamodbav:"used_at,omitempty"`
	ReportSentAt    *time.Time `dynamodbav:"report_sent_at,omitempty"`
	RefundedAt      *time.Time `dynamodbav:"refunded_at,omitempty"`
	CreatedAt       time.Time  `dynamodbav:"created_at"`
}

func (p paymentItem) entitlement() domain.Entitlement {
	return domain.Entitlement{
		SessionID:       p.SessionID,
		Kind:            domain.EntitlementPaid,
		Email:           p.Email,
		AmountTotal:     p.AmountTotal,
		Currency:        p.Currency,
		PaymentIntentID: p.PaymentIntentID,
		VerifiedAt:      p.VerifiedAt,
		UsedAt:          p.UsedAt,
		ReportSentAt:    p.ReportSentAt,
		RefundedAt:      p.RefundedAt,
		CreatedAt:       p.CreatedAt,
	}
}

type attemptItem struct {
	ID              string    `dynamodbav:"id"`
	SessionID       string    `dynamodbav:"session_id,omitempty"`
	Email           string    `dynamodbav:"email"`
	ArtifactName    string    `dynamodbav:"artifact_name"`
	ArtifactSize    int64     `dynamodbav:"artifact_size"`
	Status          string    `dynamodbav:"status"`
	IsFree          bool      `dynamodbav:"is_free"`
	ErrorDetail     string    `dynamodbav:"error_detail,omitempty"`
	DeliveryRef     string    `dynamodbav:"delivery_ref,omitempty"`
	ActionItemCount int       `dynamodbav:"action_item_count"`
	PageCount       int       `dynamodbav:"page_count"`
	Result          string    `dynamodbav:"result,omitempty"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
	UpdatedAt       time.Time `dynamodbav:"updated_at"`
}

func (a attemptItem) attempt() domain.UploadAttempt {
	out := domain.UploadAttempt{
		ID:              a.ID,
		SessionID:       a.SessionID,
		Email:           a.Email,
		ArtifactName:    a.ArtifactName,
		ArtifactSize:    a.ArtifactSize,
		Status:          domain.AttemptStatus(a.Status),
		IsFree:          a.IsFree,
		ErrorDetail:     a.ErrorDetail,
		DeliveryRef:     a.DeliveryRef,
		ActionItemCount: a.ActionItemCount,
		PageCount:       a.PageCount,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
	if a.Result != "" {
		out.Result = []byte(a.Result)
	}
	return out
}

// =============================================================================
// Entitlements
// =============================================================================

// PriorSuccessfulCount implements store.Store.
func (s *Store) PriorSuccessfulCount(ctx context.Context, email string) (int, error) {
	item, err := s.getFreeUsage(ctx, domain.NormalizeEmail(email))
	if err != nil {
		return 0, err
	}
	return item.SuccessCount, nil
}

// UpsertVerifiedEntitlement implements store.Store.
func (s *Store) UpsertVerifiedEntitlement(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error) {
	now := s.nowFunc()
	verifiedAt := now
	if e.VerifiedAt != nil {
		verifiedAt = *e.VerifiedAt
	}

	expr := "SET email = if_not_exists(email, :email), amount_total = :amt, currency = :cur, " +
		"verified_at = :va, created_at = if_not_exists(created_at, :now)"
	values := map[string]types.AttributeValue{
		":email": &types.AttributeValueMemberS{Value: domain.NormalizeEmail(e.Email)},
		":amt":   &types.AttributeValueMemberN{Value: strconv.FormatInt(e.AmountTotal, 10)},
		":cur":   &types.AttributeValueMemberS{Value: e.Currency},
		":va":    timeValue(verifiedAt),
		":now":   timeValue(now),
	}
	if e.PaymentIntentID != "" {
		expr += ", payment_intent_id = :pi"
		values[":pi"] = &types.AttributeValueMemberS{Value: e.PaymentIntentID}
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tables.Payments,
		Key:                       sessionKey(e.SessionID),
		UpdateExpression:          &expr,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("upsert payment: %w", err)
	}

	var item paymentItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return domain.Entitlement{}, fmt.Errorf("unmarshal payment: %w", err)
	}
	return item.entitlement(), nil
}

// GetEntitlement implements store.Store.
func (s *Store) GetEntitlement(ctx context.Context, sessionID string) (domain.Entitlement, error) {
	item, err := s.getPayment(ctx, sessionID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	return item.entitlement(), nil
}

func (s *Store) getPayment(ctx context.Context, sessionID string) (paymentItem, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Payments,
		Key:            sessionKey(sessionID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return paymentItem{}, fmt.Errorf("get payment: %w", err)
	}
	if len(out.Item) == 0 {
		return paymentItem{}, store.ErrNotFound
	}
	var item paymentItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return paymentItem{}, fmt.Errorf("unmarshal payment: %w", err)
	}
	return item, nil
}

// ConsumePaid implements store.Store.
func (s *Store) ConsumePaid(ctx context.Context, sessionID, email string, attempt domain.UploadAttempt) error {
	email = domain.NormalizeEmail(email)
	now := s.nowFunc()

	attempt.SessionID = sessionID
	attempt.IsFree = false
	put, err := s.attemptPut(attempt, now)
	if err != nil {
		return err
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           &s.tables.Payments,
					Key:                 sessionKey(sessionID),
					UpdateExpression:    awsString("SET used_at = :now"),
					ConditionExpression: awsString("attribute_exists(session_id) AND email = :email AND attribute_not_exists(used_at)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now":   timeValue(now),
						":email": &types.AttributeValueMemberS{Value: email},
					},
				},
			},
			{Put: put},
		},
	}

	reasons, err := s.transact(ctx, input)
	if err != nil {
		return err
	}
	if reasons == nil {
		return nil
	}
	if conditionFailed(reasons, 0) {
		return s.diagnoseConsumption(ctx, sessionID, email)
	}
	if conditionFailed(reasons, 1) {
		return store.ErrAttemptExists
	}
	return fmt.Errorf("consume payment: transaction canceled: %v", reasonCodes(reasons))
}

func (s *Store) diagnoseConsumption(ctx context.Context, sessionID, email string) error {
	item, err := s.getPayment(ctx, sessionID)
	if err != nil {
		return err
	}
	e := item.entitlement()
	if !e.BelongsTo(email) {
		return store.ErrEmailMismatch
	}
	return store.ErrAlreadyUsed
}

// ConsumeFree implements store.Store.
//
// A fresh claim requires the email to have no successes and no claim. A
// stale claim is taken over only while it still names the same attempt with
// the same claimed_at, so a concurrent finalization or takeover cancels the
// transaction instead.
func (s *Store) ConsumeFree(ctx context.Context, email string, attempt domain.UploadAttempt, claimTTL time.Duration) error {
	email = domain.NormalizeEmail(email)
	now := s.nowFunc()

	attempt.SessionID = ""
	attempt.IsFree = true
	put, err := s.attemptPut(attempt, now)
	if err != nil {
		return err
	}

	current, err := s.getFreeUsage(ctx, email)
	if err != nil {
		return err
	}
	if current.SuccessCount > 0 {
		return store.ErrFreeExhausted
	}

	values := map[string]types.AttributeValue{
		":id":   &types.AttributeValueMemberS{Value: attempt.ID},
		":zero": &types.AttributeValueMemberN{Value: "0"},
		":now":  timeValue(now),
	}
	claim := &types.Update{
		TableName:        &s.tables.FreeUsage,
		Key:              emailKey(email),
		UpdateExpression: awsString("SET claimed_by = :id, claimed_at = :now, success_count = if_not_exists(success_count, :zero), updated_at = :now"),
		ConditionExpression: awsString(
			"attribute_not_exists(email) OR (success_count = :zero AND attribute_not_exists(claimed_by))"),
		ExpressionAttributeValues: values,
	}
	items := []types.TransactWriteItem{{Update: claim}, {Put: put}}

	if current.ClaimedBy != "" {
		if !current.stale(now, claimTTL) {
			return store.ErrFreeExhausted
		}
		values[":prev"] = &types.AttributeValueMemberS{Value: current.ClaimedBy}
		values[":prevAt"] = &types.AttributeValueMemberS{Value: current.ClaimedAt}
		claim.ConditionExpression = awsString(
			"success_count = :zero AND claimed_by = :prev AND claimed_at = :prevAt")
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                &s.tables.Attempts,
			Key:                      idKey(current.ClaimedBy),
			UpdateExpression:         awsString("SET #s = :failed, error_detail = :ed, updated_at = :now"),
			ConditionExpression:      awsString("attribute_exists(id)"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":failed": &types.AttributeValueMemberS{Value: string(domain.AttemptStatusFailed)},
				":ed":     &types.AttributeValueMemberS{Value: domain.DetailClaimExpired},
				":now":    timeValue(now),
			},
		}})
	}

	reasons, err := s.transact(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return err
	}
	if reasons == nil {
		return nil
	}
	if conditionFailed(reasons, 0) || conditionFailed(reasons, 2) {
		return store.ErrFreeExhausted
	}
	if conditionFailed(reasons, 1) {
		return store.ErrAttemptExists
	}
	return fmt.Errorf("consume free: transaction canceled: %v", reasonCodes(reasons))
}

type freeUsageItem struct {
	SuccessCount int    `dynamodbav:"success_count"`
	ClaimedBy    string `dynamodbav:"claimed_by,omitempty"`
	ClaimedAt    string `dynamodbav:"claimed_at,omitempty"`
}

// stale reports whether the claim is older than ttl. Claims without a
// readable claimed_at never expire.
func (f freeUsageItem) stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || f.ClaimedAt == "" {
		return false
	}
	at, err := time.Parse(timeLayout, f.ClaimedAt)
	if err != nil {
		return false
	}
	return now.Sub(at) > ttl
}

func (s *Store) getFreeUsage(ctx context.Context, email string) (freeUsageItem, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.FreeUsage,
		Key:            emailKey(email),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return freeUsageItem{}, fmt.Errorf("get free usage: %w", err)
	}
	var item freeUsageItem
	if len(out.Item) == 0 {
		return item, nil
	}
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return freeUsageItem{}, fmt.Errorf("unmarshal free usage: %w", err)
	}
	return item, nil
}

// MarkReportSent implements store.Store.
func (s *Store) MarkReportSent(ctx context.Context, sessionID string) error {
	return s.markPayment(ctx, sessionID, "report_sent_at")
}

// MarkRefunded implements store.Store.
func (s *Store) MarkRefunded(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return store.ErrNotFound
	}
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tables.Payments,
		IndexName:              awsString(PaymentsByIntentIndex),
		KeyConditionExpression: awsString("payment_intent_id = :pi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pi": &types.AttributeValueMemberS{Value: paymentIntentID},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return fmt.Errorf("query payment intent: %w", err)
	}
	if len(out.Items) == 0 {
		return store.ErrNotFound
	}
	var item paymentItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return fmt.Errorf("unmarshal payment: %w", err)
	}
	return s.markPayment(ctx, item.SessionID, "refunded_at")
}

func (s *Store) markPayment(ctx context.Context, sessionID, attr string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tables.Payments,
		Key:                      sessionKey(sessionID),
		UpdateExpression:         awsString("SET #a = :now"),
		ConditionExpression:      awsString("attribute_exists(session_id)"),
		ExpressionAttributeNames: map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": timeValue(s.nowFunc()),
		},
	})
	if isConditionalFailure(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update payment %s: %w", attr, err)
	}
	return nil
}

// =============================================================================
// Attempts
// =============================================================================

func (s *Store) attemptPut(a domain.UploadAttempt, now time.Time) (*types.Put, error) {
	item := attemptItem{
		ID:           a.ID,
		SessionID:    a.SessionID,
		Email:        domain.NormalizeEmail(a.Email),
		ArtifactName: a.ArtifactName,
		ArtifactSize: a.ArtifactSize,
		Status:       string(domain.AttemptStatusProcessing),
		IsFree:       a.IsFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal attempt: %w", err)
	}
	m["created_at"] = timeValue(now)
	m["updated_at"] = timeValue(now)

	return &types.Put{
		TableName:           &s.tables.Attempts,
		Item:                m,
		ConditionExpression: awsString("attribute_not_exists(id)"),
	}, nil
}

// FinalizeAttempt implements store.Store.
func (s *Store) FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error {
	if !domain.AttemptStatusProcessing.CanTransitionTo(f.Status) {
		return fmt.Errorf("cannot finalize attempt with status %q", f.Status)
	}

	current, err := s.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return store.ErrAttemptFinalized
	}

	now := s.nowFunc()
	update := &types.Update{
		TableName: &s.tables.Attempts,
		Key:       idKey(id),
		UpdateExpression: awsString("SET #s = :st, error_detail = :ed, delivery_ref = :dr, " +
			"action_item_count = :aic, page_count = :pc, #r = :res, updated_at = :now"),
		ConditionExpression:      awsString("#s = :processing"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#r": "result"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":         &types.AttributeValueMemberS{Value: string(f.Status)},
			":ed":         &types.AttributeValueMemberS{Value: f.ErrorDetail},
			":dr":         &types.AttributeValueMemberS{Value: f.DeliveryRef},
			":aic":        &types.AttributeValueMemberN{Value: strconv.Itoa(f.ActionItemCount)},
			":pc":         &types.AttributeValueMemberN{Value: strconv.Itoa(f.PageCount)},
			":res":        &types.AttributeValueMemberS{Value: string(f.Result)},
			":now":        timeValue(now),
			":processing": &types.AttributeValueMemberS{Value: string(domain.AttemptStatusProcessing)},
		},
	}

	items := []types.TransactWriteItem{{Update: update}}

	// A free attempt holds the email's claim for its whole lifetime, so the
	// claim is released unconditionally alongside its finalization.
	switch {
	case f.Status == domain.AttemptStatusSuccess:
		expr := "SET success_count = if_not_exists(success_count, :zero) + :one, updated_at = :now"
		if current.IsFree {
			expr += " REMOVE claimed_by, claimed_at"
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:        &s.tables.FreeUsage,
			Key:              emailKey(current.Email),
			UpdateExpression: &expr,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":one":  &types.AttributeValueMemberN{Value: "1"},
				":now":  timeValue(now),
			},
		}})
	case current.IsFree:
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:        &s.tables.FreeUsage,
			Key:              emailKey(current.Email),
			UpdateExpression: awsString("SET updated_at = :now REMOVE claimed_by, claimed_at"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": timeValue(now),
			},
		}})
	}

	reasons, err := s.transact(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return err
	}
	if reasons == nil {
		return nil
	}
	if conditionFailed(reasons, 0) {
		return store.ErrAttemptFinalized
	}
	return fmt.Errorf("finalize attempt: transaction canceled: %v", reasonCodes(reasons))
}

// GetAttempt implements store.Store.
func (s *Store) GetAttempt(ctx context.Context, id string) (domain.UploadAttempt, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Attempts,
		Key:            idKey(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return domain.UploadAttempt{}, fmt.Errorf("get attempt: %w", err)
	}
	if len(out.Item) == 0 {
		return domain.UploadAttempt{}, store.ErrNotFound
	}
	var item attemptItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.UploadAttempt{}, fmt.Errorf("unmarshal attempt: %w", err)
	}
	return item.attempt(), nil
}

// ListAttempts implements store.Store. Filtering by email uses the email
// index; an unfiltered listing scans the table.
func (s *Store) ListAttempts(ctx context.Context, filter domain.AttemptFilter) ([]domain.UploadAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var filterExpr *string
	if filter.Status != "" {
		names["#s"] = "status"
		values[":st"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
		filterExpr = awsString("#s = :st")
	}

	var (
		out      []domain.UploadAttempt
		startKey map[string]types.AttributeValue
	)
	email := domain.NormalizeEmail(filter.Email)

	for {
		var (
			items   []map[string]types.AttributeValue
			lastKey map[string]types.AttributeValue
		)
		if email != "" {
			values[":email"] = &types.AttributeValueMemberS{Value: email}
			res, err := s.client.Query(ctx, &dyn.QueryInput{
				TableName:                 &s.tables.Attempts,
				IndexName:                 awsString(AttemptsByEmailIndex),
				KeyConditionExpression:    awsString("email = :email"),
				FilterExpression:          filterExpr,
				ExpressionAttributeNames:  nilIfEmpty(names),
				ExpressionAttributeValues: values,
				ScanIndexForward:          awsBool(false),
				ExclusiveStartKey:         startKey,
			})
			if err != nil {
				return nil, fmt.Errorf("query attempts: %w", err)
			}
			items, lastKey = res.Items, res.LastEvaluatedKey
		} else {
			res, err := s.client.Scan(ctx, &dyn.ScanInput{
				TableName:                 &s.tables.Attempts,
				FilterExpression:          filterExpr,
				ExpressionAttributeNames:  nilIfEmpty(names),
				ExpressionAttributeValues: nilIfEmptyValues(values),
				ExclusiveStartKey:         startKey,
			})
			if err != nil {
				return nil, fmt.Errorf("scan attempts: %w", err)
			}
			items, lastKey = res.Items, res.LastEvaluatedKey
		}

		for _, m := range items {
			var item attemptItem
			if err := attributevalue.UnmarshalMap(m, &item); err != nil {
				return nil, fmt.Errorf("unmarshal attempt: %w", err)
			}
			out = append(out, item.attempt())
		}

		// A query returns index order, so it can stop as soon as it has enough.
		if len(lastKey) == 0 || (email != "" && len(out) >= limit) {
			break
		}
		startKey = lastKey
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = make([]domain.UploadAttempt, 0)
	}
	return out, nil
}

// =============================================================================
// Transactions
// =============================================================================

// transact runs a TransactWriteItems call, retrying transaction conflicts.
// A cancellation caused by a failed condition is returned as reasons with a
// nil error; callers map the failing item index to a ledger error.
func (s *Store) transact(ctx context.Context, input *dyn.TransactWriteItemsInput) ([]types.CancellationReason, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		_, err := s.client.TransactWriteItems(ctx, input)
		if err == nil {
			return nil, nil
		}

		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			var tip *types.TransactionInProgressException
			if errors.As(err, &tip) {
				lastErr = err
				if werr := backoff(ctx, attempt); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("transact write: %w", err)
		}

		if !hasReason(tce.CancellationReasons, "TransactionConflict") {
			return tce.CancellationReasons, nil
		}
		lastErr = err
		if werr := backoff(ctx, attempt); werr != nil {
			return nil, werr
		}
	}
	return nil, fmt.Errorf("transact write: retries exhausted: %w", lastErr)
}

func backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt+1) * 20 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func conditionFailed(reasons []types.CancellationReason, i int) bool {
	return i < len(reasons) && reasons[i].Code != nil && *reasons[i].Code == "ConditionalCheckFailed"
}

func hasReason(reasons []types.CancellationReason, code string) bool {
	for _, r := range reasons {
		if r.Code != nil && *r.Code == code {
			return true
		}
	}
	return false
}

func reasonCodes(reasons []types.CancellationReason) []string {
	codes := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r.Code != nil {
			codes = append(codes, *r.Code)
		} else {
			codes = append(codes, "None")
		}
	}
	return codes
}

// isConditionalFailure detects a failed ConditionExpression on a single-item
// write.
func isConditionalFailure(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// =============================================================================
// Helpers
// =============================================================================

func sessionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"session_id": &types.AttributeValueMemberS{Value: id}}
}

func emailKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"email": &types.AttributeValueMemberS{Value: email}}
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(timeLayout)}
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfEmptyValues(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(m) == 0 {
		return nil
	}
	return m
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }

var _ store.Store = (*Store)(nil)
