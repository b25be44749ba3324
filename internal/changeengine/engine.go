// Package changeengine 版本閘控的變更引擎
//
// 流程:
//
//	Load → (版本不符) Detect → Resolve / 升級 → 在副本上依序套用 → CAS Commit
//
// Commit 輸給其他寫入者時（docstore.ErrVersionConflict）從頭再來，次數有上限。
// 成功時版本恰好加一，並寫入一筆只增的 Revision。
package changeengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/itinerary-coord/internal/conflict"
	"github.com/ChuLiYu/itinerary-coord/internal/docstore"
	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/internal/metrics"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

var log = slog.Default()

const (
	tracerName = "github.com/ChuLiYu/itinerary-coord/internal/changeengine"

	// DefaultMaxCommitRetries CAS 失敗後重新執行的次數上限
	DefaultMaxCommitRetries = 5

	// OriginRollback 回滾產生的 ChangeSet 來源
	OriginRollback = "rollback"
)

// ChangeSet 結果標籤（coord_changesets_total{result}）
const (
	resultApplied  = "applied"
	resultResolved = "resolved"
	resultRejected = "rejected"
	resultError    = "error"
)

// Config 引擎設定
type Config struct {
	Conflict         conflict.Config
	MaxCommitRetries int
	Publisher        notify.Publisher
	Metrics          *metrics.Collector
	// Now 測試時可替換
	Now func() time.Time
}

// Engine 變更引擎。可由多個 goroutine 同時呼叫。
type Engine struct {
	store      docstore.Store
	detector   *conflict.Detector
	resolver   *conflict.Resolver
	publisher  notify.Publisher
	metrics    *metrics.Collector
	tracer     trace.Tracer
	now        func() time.Time
	maxRetries int
}

// New creates an engine over store.
func New(store docstore.Store, cfg Config) *Engine {
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = DefaultMaxCommitRetries
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	det := conflict.NewDetector(cfg.Conflict)
	return &Engine{
		store:      store,
		detector:   det,
		resolver:   conflict.NewResolver(det.Config()),
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer(tracerName),
		now:        func() time.Time { return cfg.Now().UTC() },
		maxRetries: cfg.MaxCommitRetries,
	}
}

// Store returns the underlying document store.
func (e *Engine) Store() docstore.Store { return e.store }

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := notify.TraceIDFrom(ctx); id != "" {
		attrs = append(attrs, attribute.String("coord.trace_id", id))
	}
	return e.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ============================================================================
// Create
// ============================================================================

// Create 建立版本 0 的文件
func (e *Engine) Create(ctx context.Context, id types.DocumentID, elements []types.Element) (*types.Document, error) {
	if id == "" {
		return nil, fault.Permanent(fault.KindValidation, errors.New("empty document id"))
	}
	doc := &types.Document{
		ID:        id,
		Elements:  make(map[string]types.Element, len(elements)),
		UpdatedAt: e.now(),
	}
	for _, el := range elements {
		if el.ID == "" {
			return nil, fault.Permanent(fault.KindValidation, fmt.Errorf("document %s: element without id", id))
		}
		if _, dup := doc.Elements[el.ID]; dup {
			return nil, fault.Permanent(fault.KindValidation, fmt.Errorf("document %s: duplicate element %s", id, el.ID))
		}
		doc.Elements[el.ID] = el.Clone()
	}
	if err := e.store.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document %s: %w", id, err)
	}
	return doc, nil
}

// ============================================================================
// Apply
// ============================================================================

// Apply 套用 ChangeSet。錯誤可能是 *VersionMismatchError、*OperationError、
// Protocol fault（格式錯誤）或 Permanent fault（文件不存在）。
func (e *Engine) Apply(ctx context.Context, cs types.ChangeSet) (result *types.ApplyResult, err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "changeengine.Apply",
		attribute.String("coord.document_id", string(cs.DocumentID)),
		attribute.Int64("coord.base_version", cs.BaseVersion),
		attribute.Int("coord.operations", len(cs.Operations)),
	)
	defer func() {
		outcome := resultApplied
		switch {
		case err != nil && fault.ClassOf(err) == fault.ClassConflict:
			outcome = resultRejected
		case err != nil:
			outcome = resultError
		case len(result.Resolved) > 0:
			outcome = resultResolved
		}
		if result != nil {
			span.SetAttributes(attribute.Int64("coord.to_version", result.ToVersion))
		}
		e.metrics.RecordApply(outcome, time.Since(start))
		endSpan(span, err)
	}()

	if err := validate(cs); err != nil {
		return nil, err
	}
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		result, err = e.tryApply(ctx, cs)
		if !errors.Is(err, docstore.ErrVersionConflict) {
			return result, err
		}
		log.Debug("commit lost race, retrying", "documentID", cs.DocumentID, "attempt", attempt+1)
	}
	return nil, fault.Transient(fault.KindUnavailable,
		fmt.Errorf("document %s: %w after %d attempts", cs.DocumentID, ErrCommitContention, e.maxRetries))
}

func validate(cs types.ChangeSet) error {
	if cs.DocumentID == "" {
		return fault.Protocol(errors.New("change set without document id"))
	}
	if len(cs.Operations) == 0 {
		return fault.Protocol(fmt.Errorf("change set for %s has no operations", cs.DocumentID))
	}
	for i, op := range cs.Operations {
		if err := op.Validate(); err != nil {
			return fault.Protocol(fmt.Errorf("operation %d: %w", i, err))
		}
	}
	return nil
}

// tryApply 執行一輪 Load → Detect/Resolve → Apply → Commit。
// 回傳 docstore.ErrVersionConflict 表示需要再跑一輪。
func (e *Engine) tryApply(ctx context.Context, cs types.ChangeSet) (*types.ApplyResult, error) {
	// 冪等鍵在每一輪都檢查：併發的重複提交輸掉 CAS 後會在這裡找到勝者的結果
	if cs.IdempotencyKey != "" {
		rev, ok, err := e.store.RevisionByKey(ctx, cs.DocumentID, cs.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			return resultOf(rev, nil), nil
		}
	}

	doc, err := e.load(ctx, cs.DocumentID)
	if err != nil {
		return nil, err
	}
	if cs.BaseVersion > doc.Version {
		return nil, fault.Permanent(fault.KindValidation,
			fmt.Errorf("document %s: base version %d is ahead of %d", doc.ID, cs.BaseVersion, doc.Version))
	}

	var resolved []types.Conflict
	if cs.BaseVersion != doc.Version {
		doc, cs, resolved, err = e.reconcile(ctx, doc, cs)
		if err != nil {
			return nil, err
		}
		// 全部操作都已被其他寫入者完成，不產生空版本
		if len(cs.Operations) == 0 {
			return &types.ApplyResult{
				DocumentID:  doc.ID,
				FromVersion: doc.Version,
				ToVersion:   doc.Version,
				Diff:        types.ComputeDiff(doc.Elements, doc.Elements),
				Resolved:    resolved,
			}, nil
		}
	}

	next := doc.Clone()
	for i, op := range cs.Operations {
		if c, err := e.applyOne(next, i, op); err != nil {
			e.metrics.RecordConflict(string(c.Type), c.Severity.String())
			escID := e.escalate(ctx, doc, cs, resolved, []types.Conflict{c}, nil)
			return nil, &OperationError{DocumentID: doc.ID, Index: i, Conflict: c, EscalationID: escID, Err: err}
		}
	}

	diff := types.ComputeDiff(doc.Elements, next.Elements)
	now := e.now()
	next.Version = doc.Version + 1
	next.UpdatedAt = now
	rev := types.Revision{
		DocumentID:  doc.ID,
		FromVersion: doc.Version,
		ToVersion:   next.Version,
		ChangeSet:   cs,
		Diff:        diff,
		Before:      beforeImages(doc, diff),
		CommittedAt: now,
	}
	if err := e.store.Commit(ctx, next, rev); err != nil {
		return nil, err
	}

	res := resultOf(&rev, resolved)
	e.publish(ctx, notify.Event{
		Type:        notify.DocumentApplied,
		DocumentID:  doc.ID,
		FromVersion: rev.FromVersion,
		ToVersion:   rev.ToVersion,
		Diff:        &res.Diff,
		Conflicts:   resolved,
	})
	return res, nil
}

func (e *Engine) load(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	doc, err := e.store.Load(ctx, id)
	if errors.Is(err, docstore.ErrDocumentNotFound) {
		return nil, fault.Permanent(fault.KindValidation, fmt.Errorf("document %s: %w", id, err))
	}
	return doc, err
}

// reconcile 處理基底版本過時的 ChangeSet。全部衝突都不高於 LOW 時先重新載入一次，
// 讓 resolver 對最新狀態做判斷；之後 Resolve，未完全解決則升級並回傳錯誤。
func (e *Engine) reconcile(ctx context.Context, doc *types.Document, cs types.ChangeSet) (*types.Document, types.ChangeSet, []types.Conflict, error) {
	conflicts, err := e.detect(ctx, doc, cs)
	if err != nil {
		return nil, cs, nil, err
	}
	if types.MaxSeverity(conflicts) <= types.SeverityLow {
		fresh, err := e.load(ctx, cs.DocumentID)
		if err != nil {
			return nil, cs, nil, err
		}
		if fresh.Version != doc.Version {
			doc = fresh
			if conflicts, err = e.detect(ctx, doc, cs); err != nil {
				return nil, cs, nil, err
			}
		}
	}
	for _, c := range conflicts {
		e.metrics.RecordConflict(string(c.Type), c.Severity.String())
	}

	res := e.resolver.Resolve(doc, cs, conflicts)
	if !res.FullyResolved {
		escID := e.escalate(ctx, doc, cs, res.Resolved, res.Unresolved, res.Clean)
		return nil, cs, nil, &VersionMismatchError{
			DocumentID:     doc.ID,
			BaseVersion:    cs.BaseVersion,
			CurrentVersion: doc.Version,
			Conflicts:      conflicts,
			Resolved:       res.Resolved,
			Unresolved:     res.Unresolved,
			Clean:          res.Clean,
			EscalationID:   escID,
		}
	}
	log.Info("change set rebased",
		"documentID", doc.ID, "changeSetID", cs.ID,
		"from", cs.BaseVersion, "to", doc.Version, "resolved", len(res.Resolved))
	return doc, res.Adjusted, res.Resolved, nil
}

func (e *Engine) detect(ctx context.Context, doc *types.Document, cs types.ChangeSet) ([]types.Conflict, error) {
	since, err := e.store.Revisions(ctx, doc.ID, cs.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("load revisions of %s: %w", doc.ID, err)
	}
	return e.detector.Detect(doc, cs, since), nil
}

// applyOne 套用單一操作，失敗時回傳對應的衝突
func (e *Engine) applyOne(doc *types.Document, i int, op types.ChangeOperation) (types.Conflict, error) {
	opCopy := op.Clone()
	c := types.Conflict{TargetID: op.TargetID, OpIndex: i, Operation: &opCopy}
	cur, exists := doc.Elements[op.TargetID]
	if exists {
		cur = cur.Clone()
		c.Current = &cur
	}

	container := doc.TargetContainer(op)
	moving := (op.Kind == types.OpAdd && !exists) || (op.Kind == types.OpMove && exists && cur.Container != container)
	if limit := e.detector.Config().Capacity(container); moving && limit > 0 && doc.ContainerSize(container) >= limit {
		c.Type, c.Severity = types.ConflictCapacityExceeded, types.SeverityMedium
		c.Description = fmt.Sprintf("%s already holds %d elements", container, limit)
		return c, fmt.Errorf("%s %s: capacity of %s exceeded", op.Kind, op.TargetID, container)
	}

	err := doc.Apply(op)
	switch {
	case err == nil:
		return types.Conflict{}, nil
	case errors.Is(err, types.ErrTargetNotFound):
		c.Type, c.Severity = types.ConflictTargetNotFound, types.SeverityHigh
	case errors.Is(err, types.ErrTargetLocked):
		c.Type, c.Severity = types.ConflictTargetLocked, types.SeverityHigh
	default:
		c.Type, c.Severity = types.ConflictOperation, types.SeverityMedium
	}
	c.Description = err.Error()
	return c, err
}

// beforeImages 記錄 diff 觸及元素的前像，新增的元素記為 nil
func beforeImages(doc *types.Document, diff types.Diff) map[string]*types.Element {
	before := make(map[string]*types.Element, len(diff.Added)+len(diff.Removed)+len(diff.Modified))
	for _, id := range diff.Added {
		before[id] = nil
	}
	for _, ids := range [][]string{diff.Removed, diff.Modified} {
		for _, id := range ids {
			el := doc.Elements[id].Clone()
			before[id] = &el
		}
	}
	return before
}

func resultOf(rev *types.Revision, resolved []types.Conflict) *types.ApplyResult {
	return &types.ApplyResult{
		DocumentID:  rev.DocumentID,
		FromVersion: rev.FromVersion,
		ToVersion:   rev.ToVersion,
		Diff:        rev.Diff,
		Resolved:    resolved,
	}
}

// escalate 寫入升級紀錄並發出 conflict.escalated。寫入失敗只記 log，
// 呼叫端仍然拿到衝突錯誤。
func (e *Engine) escalate(ctx context.Context, doc *types.Document, cs types.ChangeSet, resolved, unresolved []types.Conflict, clean []int) string {
	esc := types.Escalation{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ChangeSet:   cs,
		SeenVersion: doc.Version,
		Resolved:    resolved,
		Unresolved:  unresolved,
		Clean:       clean,
		RecordedAt:  e.now(),
	}
	if err := e.store.RecordEscalation(ctx, esc); err != nil {
		log.Error("failed to record escalation", "documentID", doc.ID, "changeSetID", cs.ID, "error", err)
		return ""
	}
	log.Warn("conflicts escalated",
		"documentID", doc.ID, "changeSetID", cs.ID, "escalationID", esc.ID,
		"unresolved", len(unresolved), "severity", types.MaxSeverity(unresolved).String())
	e.publish(ctx, notify.Event{
		Type:         notify.ConflictEscalated,
		DocumentID:   doc.ID,
		FromVersion:  cs.BaseVersion,
		ToVersion:    doc.Version,
		Conflicts:    unresolved,
		EscalationID: esc.ID,
	})
	return esc.ID
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = e.now()
	ev.TraceID = notify.TraceIDFrom(ctx)
	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", "type", ev.Type, "documentID", ev.DocumentID, "error", err)
	}
}

// ============================================================================
// Merge
// ============================================================================

// Merge 把長時間存在的提案（基於 cs.BaseVersion 建立）對齊到目前版本，不提交。
// 基底內容由修訂前像重建；回傳的 Applicable 以目前版本為基底，可直接交給 Apply。
func (e *Engine) Merge(ctx context.Context, cs types.ChangeSet) (result *conflict.MergeResult, err error) {
	ctx, span := e.startSpan(ctx, "changeengine.Merge",
		attribute.String("coord.document_id", string(cs.DocumentID)),
		attribute.Int64("coord.base_version", cs.BaseVersion),
	)
	defer func() { endSpan(span, err) }()

	if cs.DocumentID == "" {
		return nil, fault.Protocol(errors.New("change set without document id"))
	}
	current, err := e.load(ctx, cs.DocumentID)
	if err != nil {
		return nil, err
	}
	if cs.BaseVersion < 0 || cs.BaseVersion > current.Version {
		return nil, fault.Permanent(fault.KindValidation,
			fmt.Errorf("document %s: base version %d outside [0, %d]", cs.DocumentID, cs.BaseVersion, current.Version))
	}
	base, err := e.versionAt(ctx, current, cs.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", cs.DocumentID, err)
	}

	res := conflict.Merge(base, current, cs)
	for _, c := range res.Conflicts {
		e.metrics.RecordConflict(string(c.Type), c.Severity.String())
	}
	log.Info("change set merged",
		"documentID", cs.DocumentID, "from", cs.BaseVersion, "to", current.Version,
		"applicable", len(res.Applicable.Operations), "conflicts", len(res.Conflicts))
	return &res, nil
}

// ============================================================================
// Rollback
// ============================================================================

// Rollback 把文件內容還原到 toVersion，並以新的前進版本提交（版本號不倒退）。
// 反向操作忽略元素鎖定，因為回滾由操作人員觸發。
func (e *Engine) Rollback(ctx context.Context, id types.DocumentID, toVersion int64) (result *types.ApplyResult, err error) {
	ctx, span := e.startSpan(ctx, "changeengine.Rollback",
		attribute.String("coord.document_id", string(id)),
		attribute.Int64("coord.rollback_to", toVersion),
	)
	defer func() { endSpan(span, err) }()

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		result, err = e.tryRollback(ctx, id, toVersion)
		if !errors.Is(err, docstore.ErrVersionConflict) {
			if err == nil {
				e.metrics.RecordRollback()
			}
			return result, err
		}
	}
	return nil, fault.Transient(fault.KindUnavailable,
		fmt.Errorf("rollback %s: %w after %d attempts", id, ErrCommitContention, e.maxRetries))
}

func (e *Engine) tryRollback(ctx context.Context, id types.DocumentID, toVersion int64) (*types.ApplyResult, error) {
	doc, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if toVersion < 0 || toVersion >= doc.Version {
		return nil, fault.Permanent(fault.KindValidation,
			fmt.Errorf("%w: %d (document %s is at %d)", ErrInvalidRollback, toVersion, id, doc.Version))
	}
	target, err := e.versionAt(ctx, doc, toVersion)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", id, err)
	}

	cs := types.ChangeSet{
		ID:          uuid.NewString(),
		DocumentID:  id,
		BaseVersion: doc.Version,
		Operations:  inverseOps(doc.Elements, target.Elements),
		Origin:      OriginRollback,
	}
	next := doc.Clone()
	for i, op := range cs.Operations {
		if err := next.ForceApply(op); err != nil {
			return nil, fmt.Errorf("rollback %s: operation %d: %w", id, i, err)
		}
	}

	now := e.now()
	diff := types.ComputeDiff(doc.Elements, next.Elements)
	next.Version = doc.Version + 1
	next.UpdatedAt = now
	rev := types.Revision{
		DocumentID:  id,
		FromVersion: doc.Version,
		ToVersion:   next.Version,
		ChangeSet:   cs,
		Diff:        diff,
		Before:      beforeImages(doc, diff),
		CommittedAt: now,
	}
	if err := e.store.Commit(ctx, next, rev); err != nil {
		return nil, err
	}

	log.Info("document rolled back", "documentID", id, "to", toVersion, "version", next.Version)
	res := resultOf(&rev, nil)
	e.publish(ctx, notify.Event{
		Type:        notify.DocumentRolledBack,
		DocumentID:  id,
		FromVersion: rev.FromVersion,
		ToVersion:   rev.ToVersion,
		Diff:        &res.Diff,
	})
	return res, nil
}

// versionAt 依修訂的前像從 doc 倒推回 version 時的內容
func (e *Engine) versionAt(ctx context.Context, doc *types.Document, version int64) (*types.Document, error) {
	revs, err := e.store.Revisions(ctx, doc.ID, version)
	if err != nil {
		return nil, fmt.Errorf("load revisions of %s: %w", doc.ID, err)
	}
	if int64(len(revs)) != doc.Version-version {
		return nil, fmt.Errorf("expected %d revisions after %d, found %d", doc.Version-version, version, len(revs))
	}

	target := doc.Clone()
	for i := len(revs) - 1; i >= 0; i-- {
		for elID, before := range revs[i].Before {
			if before == nil {
				delete(target.Elements, elID)
			} else {
				target.Elements[elID] = before.Clone()
			}
		}
	}
	target.Version = version
	return target, nil
}

// inverseOps 產生把 current 變成 target 的操作，依元素 ID 排序。
// 修改過的元素以 DELETE + ADD 還原完整內容。
func inverseOps(current, target map[string]types.Element) []types.ChangeOperation {
	ids := make([]string, 0, len(current)+len(target))
	seen := make(map[string]bool, len(current)+len(target))
	for _, m := range []map[string]types.Element{current, target} {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	var ops []types.ChangeOperation
	for _, id := range ids {
		cur, inCur := current[id]
		want, inTarget := target[id]
		switch {
		case inCur && !inTarget:
			ops = append(ops, types.ChangeOperation{Kind: types.OpDelete, TargetID: id})
		case !inCur && inTarget:
			ops = append(ops, addOp(want))
		case !types.ElementsEqual(cur, want):
			ops = append(ops, types.ChangeOperation{Kind: types.OpDelete, TargetID: id}, addOp(want))
		}
	}
	return ops
}

func addOp(el types.Element) types.ChangeOperation {
	el = el.Clone()
	return types.ChangeOperation{
		Kind:     types.OpAdd,
		TargetID: el.ID,
		Payload: types.AddPayload{
			Container: el.Container,
			Position:  el.Position,
			Locked:    el.Locked,
			Data:      el.Data,
		},
		Start: el.Start,
		End:   el.End,
	}
}
