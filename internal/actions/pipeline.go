package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// Action names as they appear in results and metrics.
const (
	ActionAddTags      = "add_tags"
	ActionRemoveTags   = "remove_tags"
	ActionLoyalty      = "loyalty"
	ActionNotification = "notification"
	ActionWebhook      = "webhook"
)

// Deps are the pipeline's collaborators. Any of them may be nil, in which
// case the matching action is reported as skipped.
type Deps struct {
	Directory   Directory
	Tagger      Tagger
	Loyalty     LoyaltyLedger
	Dispatchers map[Channel]Dispatcher
	Webhooks    WebhookSender
	Renderer    *Renderer
	Clock       func() time.Time
}

// Pipeline runs a segment's configured actions for every object that entered
// or left it. It implements segmentation.ActionRunner.
type Pipeline struct {
	deps Deps
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Renderer == nil {
		deps.Renderer = defaultRenderer
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Pipeline{deps: deps}
}

// Validate checks the segment's action configuration.
func (p *Pipeline) Validate(seg *segmentation.Segment) error {
	_, err := ParseConfig(seg.Actions)
	return err
}

// step is one configured action bound to its trigger.
type step struct {
	name    string
	trigger Trigger
	run     func(ctx context.Context, rc *runContext, obj member) error
}

// member is one changed object with its directory entry.
type member struct {
	objectType segmentation.ObjectType
	id         int64
	transition segmentation.Transition
	returning  bool
	entity     *Entity
}

func (m member) customerID() (int64, error) {
	if m.objectType == segmentation.ObjectCustomer {
		return m.id, nil
	}
	if m.entity == nil {
		return 0, ErrEntityNotFound
	}
	if m.entity.CustomerID == 0 {
		return 0, ErrNoCustomer
	}
	return m.entity.CustomerID, nil
}

// runContext carries per-run state shared by all objects.
type runContext struct {
	seg     *segmentation.Segment
	cfg     *Config
	tagIDs  map[string]int64
	tagErr  error
	tagDone bool
}

// Run executes actions in a fixed order per object: tag mutation, loyalty,
// notification, webhook. Every attempt becomes one ActionResult; a failure
// never stops the remaining actions or objects.
func (p *Pipeline) Run(ctx context.Context, seg *segmentation.Segment, changes segmentation.ChangeSet) []segmentation.ActionResult {
	cfg, err := ParseConfig(seg.Actions)
	if err != nil {
		logger.Error("segment actions invalid at run time", "segment_id", seg.ID, "error", err)
		return nil
	}
	if cfg.Empty() || changes.Empty() {
		return nil
	}

	steps := p.steps(cfg)
	rc := &runContext{seg: seg, cfg: cfg}
	var results []segmentation.ActionResult

	for _, t := range segmentation.AllObjectTypes {
		delta, ok := changes[t]
		if !ok || (len(delta.New) == 0 && len(delta.Removed) == 0) {
			continue
		}
		entities := p.lookup(ctx, seg, t, delta)

		for _, id := range delta.New {
			obj := member{objectType: t, id: id, transition: segmentation.TransitionEnter, returning: delta.IsReturning(id)}
			if e, ok := entities[id]; ok {
				obj.entity = &e
			}
			results = append(results, p.runObject(ctx, rc, steps, obj)...)
		}
		for _, id := range delta.Removed {
			obj := member{objectType: t, id: id, transition: segmentation.TransitionExit}
			if e, ok := entities[id]; ok {
				obj.entity = &e
			}
			results = append(results, p.runObject(ctx, rc, steps, obj)...)
		}
	}

	logSummary(seg.ID, results)
	return results
}

func (p *Pipeline) steps(cfg *Config) []step {
	var out []step
	if cfg.AddTags != nil {
		out = append(out, step{ActionAddTags, cfg.AddTags.Trigger, p.addTags})
	}
	if cfg.RemoveTags != nil {
		out = append(out, step{ActionRemoveTags, cfg.RemoveTags.Trigger, p.removeTags})
	}
	if cfg.Loyalty != nil {
		out = append(out, step{ActionLoyalty, cfg.Loyalty.Trigger, p.adjustLoyalty})
	}
	if cfg.Notification != nil {
		out = append(out, step{ActionNotification, cfg.Notification.Trigger, p.notify})
	}
	if cfg.Webhook != nil {
		out = append(out, step{ActionWebhook, cfg.Webhook.Trigger, p.callWebhook})
	}
	return out
}

// lookup prefetches directory entries for every changed object. A failed
// lookup leaves entities empty; actions that need one then fail individually.
func (p *Pipeline) lookup(ctx context.Context, seg *segmentation.Segment, t segmentation.ObjectType, delta *segmentation.Delta) map[int64]Entity {
	if p.deps.Directory == nil {
		return nil
	}
	ids := make([]int64, 0, len(delta.New)+len(delta.Removed))
	ids = append(ids, delta.New...)
	ids = append(ids, delta.Removed...)
	entities, err := p.deps.Directory.Lookup(ctx, seg.CashboxID, t, ids)
	if err != nil {
		logger.Warn("directory lookup failed", "segment_id", seg.ID, "object_type", string(t), "error", err)
		return nil
	}
	return entities
}

func (p *Pipeline) runObject(ctx context.Context, rc *runContext, steps []step, obj member) []segmentation.ActionResult {
	var out []segmentation.ActionResult
	for _, s := range steps {
		if !s.trigger.Fires(obj.transition, obj.returning) {
			continue
		}
		out = append(out, p.execute(ctx, rc, s, obj))
	}
	return out
}

func (p *Pipeline) execute(ctx context.Context, rc *runContext, s step, obj member) (res segmentation.ActionResult) {
	res = segmentation.ActionResult{
		Action:     s.name,
		ObjectType: obj.objectType,
		ObjectID:   obj.id,
		Transition: obj.transition,
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Status = segmentation.ActionFailed
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
		if res.Status == segmentation.ActionFailed {
			logger.Warn("segment action failed",
				"segment_id", rc.seg.ID, "action", s.name, "object_type", string(obj.objectType),
				"object_id", obj.id, "error", res.Error)
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Status = segmentation.ActionSkipped
		res.Error = err.Error()
		return res
	}

	err := s.run(ctx, rc, obj)
	switch {
	case errors.Is(err, errNotWired):
		res.Status = segmentation.ActionSkipped
		res.Error = fmt.Sprintf("%s is not configured on this worker", s.name)
	case err != nil:
		res.Status = segmentation.ActionFailed
		res.Error = err.Error()
	default:
		res.Status = segmentation.ActionOK
	}
	return res
}

var errNotWired = errors.New("collaborator not wired")

func (p *Pipeline) ensureTags(ctx context.Context, rc *runContext) (map[string]int64, error) {
	if rc.tagDone {
		return rc.tagIDs, rc.tagErr
	}
	var names []string
	for _, t := range []*TagAction{rc.cfg.AddTags, rc.cfg.RemoveTags} {
		if t != nil {
			names = append(names, t.Names...)
		}
	}
	rc.tagIDs, rc.tagErr = p.deps.Tagger.EnsureTags(ctx, rc.seg.CashboxID, names)
	if rc.tagErr == nil {
		rc.tagDone = true
	}
	return rc.tagIDs, rc.tagErr
}

func (p *Pipeline) tagIDs(ctx context.Context, rc *runContext, names []string) ([]int64, error) {
	all, err := p.ensureTags(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("ensure tags: %w", err)
	}
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		id, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("tag %q was not created", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Pipeline) addTags(ctx context.Context, rc *runContext, obj member) error {
	if p.deps.Tagger == nil {
		return errNotWired
	}
	customerID, err := obj.customerID()
	if err != nil {
		return err
	}
	ids, err := p.tagIDs(ctx, rc, rc.cfg.AddTags.Names)
	if err != nil {
		return err
	}
	return p.deps.Tagger.Attach(ctx, customerID, ids)
}

func (p *Pipeline) removeTags(ctx context.Context, rc *runContext, obj member) error {
	if p.deps.Tagger == nil {
		return errNotWired
	}
	customerID, err := obj.customerID()
	if err != nil {
		return err
	}
	ids, err := p.tagIDs(ctx, rc, rc.cfg.RemoveTags.Names)
	if err != nil {
		return err
	}
	return p.deps.Tagger.Detach(ctx, customerID, ids)
}

func (p *Pipeline) adjustLoyalty(ctx context.Context, rc *runContext, obj member) error {
	if p.deps.Loyalty == nil {
		return errNotWired
	}
	customerID, err := obj.customerID()
	if err != nil {
		return err
	}
	desc := rc.cfg.Loyalty.Description
	if desc == "" {
		desc = fmt.Sprintf("segment %q", rc.seg.Name)
	}
	return p.deps.Loyalty.Adjust(ctx, Adjustment{
		CashboxID:   rc.seg.CashboxID,
		CustomerID:  customerID,
		SegmentID:   rc.seg.ID,
		Delta:       rc.cfg.Loyalty.Delta,
		Description: desc,
	})
}

func (p *Pipeline) notify(ctx context.Context, rc *runContext, obj member) error {
	n := rc.cfg.Notification
	d, ok := p.deps.Dispatchers[n.Channel]
	if !ok || d == nil {
		return errNotWired
	}

	recipients := n.Recipients
	if len(recipients) == 0 {
		if obj.entity == nil {
			return ErrEntityNotFound
		}
		switch n.Channel {
		case ChannelEmail:
			if obj.entity.Email != "" {
				recipients = []string{obj.entity.Email}
			}
		default:
			if obj.entity.ChatID != "" {
				recipients = []string{obj.entity.ChatID}
			}
		}
	}
	if len(recipients) == 0 {
		return ErrNoRecipient
	}

	body, err := p.deps.Renderer.Render(n.Template, bindings(rc, obj))
	if err != nil {
		return err
	}
	subject := n.Subject
	if subject == "" {
		subject = rc.seg.Name
	}
	return d.Dispatch(ctx, Message{
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
		SegmentID:  rc.seg.ID,
		ObjectID:   obj.id,
	})
}

func (p *Pipeline) callWebhook(ctx context.Context, rc *runContext, obj member) error {
	if p.deps.Webhooks == nil {
		return errNotWired
	}
	return p.deps.Webhooks.Send(ctx, rc.cfg.Webhook, newWebhookEvent(rc.seg, obj, p.deps.Clock()))
}

// bindings is the template context of a notification.
func bindings(rc *runContext, obj member) map[string]interface{} {
	b := map[string]interface{}{
		"segment": map[string]interface{}{
			"id":   rc.seg.ID,
			"name": rc.seg.Name,
		},
		"object": map[string]interface{}{
			"type": string(obj.objectType),
			"id":   obj.id,
		},
		"transition": string(obj.transition),
		"returning":  obj.returning,
	}
	if rc.cfg.Loyalty != nil {
		b["loyalty_delta"] = rc.cfg.Loyalty.Delta.String()
	}
	if obj.entity != nil {
		b["customer"] = map[string]interface{}{
			"id":    obj.entity.CustomerID,
			"name":  obj.entity.Name,
			"phone": obj.entity.Phone,
			"email": obj.entity.Email,
		}
		if obj.objectType == segmentation.ObjectCustomer {
			b["customer"].(map[string]interface{})["id"] = obj.id
		}
	}
	return b
}

func logSummary(segmentID int64, results []segmentation.ActionResult) {
	var ok, failed, skipped int
	for _, r := range results {
		switch r.Status {
		case segmentation.ActionOK:
			ok++
		case segmentation.ActionFailed:
			failed++
		default:
			skipped++
		}
	}
	logger.Info("segment actions finished",
		"segment_id", segmentID, "ok", ok, "failed", failed, "skipped", skipped)
}
