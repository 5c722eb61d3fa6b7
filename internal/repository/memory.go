package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

// MemoryStore keeps every repository in process. Campaigns, steps, instances
// and send records share one lock so multi-entity operations stay atomic.
// Recipients and templates sit behind their own lock because activation
// resolves templates while the campaign lock is held.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	steps     map[string][]*model.Step
	instances map[string]*model.Instance
	byRecip   map[string]string
	sends     []*model.SendRecord

	refMu      sync.RWMutex
	recipients map[string]*model.Recipient
	templates  map[string]*model.Template

	Campaigns  CampaignRepositoryInterface
	Steps      StepRepositoryInterface
	Instances  InstanceRepositoryInterface
	Sends      SendRecordRepositoryInterface
	Recipients RecipientRepositoryInterface
	Templates  TemplateRepositoryInterface
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		campaigns:  map[string]*model.Campaign{},
		steps:      map[string][]*model.Step{},
		instances:  map[string]*model.Instance{},
		byRecip:    map[string]string{},
		recipients: map[string]*model.Recipient{},
		templates:  map[string]*model.Template{},
	}
	s.Campaigns = memCampaigns{s}
	s.Steps = memSteps{s}
	s.Instances = memInstances{s}
	s.Sends = memSends{s}
	s.Recipients = memRecipients{s}
	s.Templates = memTemplates{s}
	return s
}

// Store exposes the memory repositories through the common bundle.
func (s *MemoryStore) Store() *Store {
	return &Store{
		Campaigns:  s.Campaigns,
		Steps:      s.Steps,
		Instances:  s.Instances,
		Sends:      s.Sends,
		Recipients: s.Recipients,
		Templates:  s.Templates,
	}
}

// AddRecipient inserts or replaces a recipient.
func (s *MemoryStore) AddRecipient(r *model.Recipient) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	cp := *r
	cp.Attributes = copyAttributes(r.Attributes)
	s.recipients[r.ID] = &cp
}

// RemoveRecipient drops a recipient; running instances see it as missing.
func (s *MemoryStore) RemoveRecipient(id string) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	delete(s.recipients, id)
}

func (s *MemoryStore) AddTemplate(t *model.Template) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.templates[t.ID] = &cp
}

func copyAttributes(a model.Attributes) model.Attributes {
	out := make(model.Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Audience = append(model.Audience(nil), c.Audience...)
	cp.Exclusions = append(model.Audience(nil), c.Exclusions...)
	return &cp
}

func copyStep(st *model.Step) *model.Step {
	cp := *st
	if st.WaitDuration != nil {
		d := *st.WaitDuration
		cp.WaitDuration = &d
	}
	if st.Condition != nil {
		c := *st.Condition
		cp.Condition = &c
	}
	if st.Branches != nil {
		cp.Branches = append(model.Branches(nil), st.Branches...)
	}
	return &cp
}

func copySteps(steps []*model.Step) []*model.Step {
	out := make([]*model.Step, len(steps))
	for i, st := range steps {
		out[i] = copyStep(st)
	}
	return out
}

func recipKey(campaignID, recipientID string) string {
	return campaignID + "\x00" + recipientID
}

func statusIn(s model.CampaignStatus, set []model.CampaignStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// ====================== Campaigns ======================

type memCampaigns struct{ s *MemoryStore }

func (m memCampaigns) Create(_ context.Context, c *model.Campaign, steps []*model.Step) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	seen := map[string]bool{}
	for _, st := range steps {
		if seen[st.ID] {
			return appErrors.New(appErrors.CodeDuplicateStepID, "step id %s already exists in campaign %s", st.ID, c.ID)
		}
		seen[st.ID] = true
	}
	m.s.campaigns[c.ID] = copyCampaign(c)
	m.s.steps[c.ID] = copySteps(steps)
	sortSteps(m.s.steps[c.ID])
	return nil
}

func (m memCampaigns) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (m memCampaigns) ListCampaigns(_ context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.s.campaigns {
		if campaignType != "" && string(c.Type) != campaignType {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	page := []*model.Campaign{}
	for i := offset; i < total && len(page) < limit; i++ {
		page = append(page, copyCampaign(all[i]))
	}
	return page, total, nil
}

func (m memCampaigns) ListByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range m.s.campaigns {
		if statusIn(c.Status, statuses) {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m memCampaigns) Transition(_ context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.transitionLocked(id, from, to, at)
}

func (m memCampaigns) transitionLocked(id string, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (*model.Campaign, error) {
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if !statusIn(c.Status, from) {
		return nil, appErrors.NewInvalidStatus(id, string(c.Status), "move to "+string(to))
	}
	c.Status = to
	switch to {
	case model.StatusActive:
		if c.ActivatedAt == nil {
			c.ActivatedAt = &at
		}
		c.PausedAt = nil
	case model.StatusPaused:
		c.PausedAt = &at
	case model.StatusCompleted:
		c.CompletedAt = &at
	}
	c.UpdatedAt = &at
	return copyCampaign(c), nil
}

func (m memCampaigns) Activate(_ context.Context, id string, to model.CampaignStatus, at time.Time, check GraphCheck) (*model.Campaign, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.StatusDraft {
		return nil, appErrors.NewInvalidStatus(id, string(c.Status), "activate")
	}
	if err := check(copySteps(m.s.steps[id])); err != nil {
		return nil, err
	}
	return m.transitionLocked(id, []model.CampaignStatus{model.StatusDraft}, to, at)
}

func (m memCampaigns) Pause(_ context.Context, id string, at time.Time) (*model.Campaign, int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, err := m.transitionLocked(id, []model.CampaignStatus{model.StatusActive, model.StatusScheduled}, model.StatusPaused, at)
	if err != nil {
		return nil, 0, err
	}
	n := m.s.cancelPendingLocked(id, "", "campaign paused", at)
	return c, n, nil
}

func (m memCampaigns) MarkAdmitted(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.LastAdmittedAt = &at
	c.UpdatedAt = &at
	return nil
}

// ====================== Steps ======================

type memSteps struct{ s *MemoryStore }

func sortSteps(steps []*model.Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

func (m memSteps) draftLocked(campaignID string) error {
	c, ok := m.s.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	if c.Status != model.StatusDraft {
		return appErrors.NewCampaignNotDraft(campaignID, string(c.Status))
	}
	return nil
}

func (m memSteps) indexLocked(campaignID, stepID string) int {
	for i, st := range m.s.steps[campaignID] {
		if st.ID == stepID {
			return i
		}
	}
	return -1
}

func (m memSteps) ListByCampaign(_ context.Context, campaignID string) ([]*model.Step, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return copySteps(m.s.steps[campaignID]), nil
}

func (m memSteps) GetByID(_ context.Context, campaignID, stepID string) (*model.Step, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	i := m.indexLocked(campaignID, stepID)
	if i < 0 {
		return nil, appErrors.NewStepNotFound(campaignID, stepID)
	}
	return copyStep(m.s.steps[campaignID][i]), nil
}

func (m memSteps) Append(_ context.Context, step *model.Step) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.draftLocked(step.CampaignID); err != nil {
		return err
	}
	if m.indexLocked(step.CampaignID, step.ID) >= 0 {
		return appErrors.New(appErrors.CodeDuplicateStepID, "step id %s already exists in campaign %s", step.ID, step.CampaignID)
	}
	step.Order = len(m.s.steps[step.CampaignID]) + 1
	m.s.steps[step.CampaignID] = append(m.s.steps[step.CampaignID], copyStep(step))
	return nil
}

func (m memSteps) Update(_ context.Context, step *model.Step) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.draftLocked(step.CampaignID); err != nil {
		return err
	}
	i := m.indexLocked(step.CampaignID, step.ID)
	if i < 0 {
		return appErrors.NewStepNotFound(step.CampaignID, step.ID)
	}
	cp := copyStep(step)
	cp.Order = m.s.steps[step.CampaignID][i].Order
	m.s.steps[step.CampaignID][i] = cp
	return nil
}

func (m memSteps) DeleteAndRenumber(_ context.Context, campaignID, stepID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.draftLocked(campaignID); err != nil {
		return err
	}
	i := m.indexLocked(campaignID, stepID)
	if i < 0 {
		return appErrors.NewStepNotFound(campaignID, stepID)
	}
	steps := m.s.steps[campaignID]
	steps = append(steps[:i:i], steps[i+1:]...)
	for n, st := range steps {
		st.Order = n + 1
	}
	m.s.steps[campaignID] = steps
	return nil
}

func (m memSteps) Reorder(_ context.Context, campaignID string, orderedIDs []string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.draftLocked(campaignID); err != nil {
		return err
	}
	current := m.s.steps[campaignID]
	existing := make([]string, len(current))
	byID := make(map[string]*model.Step, len(current))
	for i, st := range current {
		existing[i] = st.ID
		byID[st.ID] = st
	}
	if err := sameStepSet(existing, orderedIDs); err != nil {
		return err
	}
	reordered := make([]*model.Step, len(orderedIDs))
	for i, id := range orderedIDs {
		st := byID[id]
		st.Order = i + 1
		reordered[i] = st
	}
	m.s.steps[campaignID] = reordered
	return nil
}

// ====================== Instances ======================

type memInstances struct{ s *MemoryStore }

func (m memInstances) Create(_ context.Context, inst *model.Instance) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := recipKey(inst.CampaignID, inst.RecipientID)
	if _, ok := m.s.byRecip[key]; ok {
		return false, nil
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	inst.UpdatedAt = inst.CreatedAt
	inst.Version = 1
	cp := *inst
	m.s.instances[inst.ID] = &cp
	m.s.byRecip[key] = inst.ID
	return true, nil
}

func (m memInstances) GetByID(_ context.Context, id string) (*model.Instance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	inst, ok := m.s.instances[id]
	if !ok {
		return nil, appErrors.New(appErrors.CodeInstanceNotFound, "instance %s not found", id)
	}
	cp := *inst
	return &cp, nil
}

func (m memInstances) GetByRecipient(_ context.Context, campaignID, recipientID string) (*model.Instance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	id, ok := m.s.byRecip[recipKey(campaignID, recipientID)]
	if !ok {
		return nil, appErrors.NewInstanceNotFound(campaignID, recipientID)
	}
	cp := *m.s.instances[id]
	return &cp, nil
}

func (m memInstances) Save(_ context.Context, inst *model.Instance) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.instances[inst.ID]
	if !ok {
		return appErrors.NewInstanceNotFound(inst.CampaignID, inst.RecipientID)
	}
	if stored.Version != inst.Version {
		return appErrors.New(appErrors.CodeVersionConflict, "instance %s changed since version %d", inst.ID, inst.Version)
	}
	inst.UpdatedAt = time.Now()
	inst.Version++
	cp := *inst
	m.s.instances[inst.ID] = &cp
	return nil
}

func (m memInstances) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Instance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.dueLocked(now, limit, func(inst *model.Instance) bool {
		c, ok := m.s.campaigns[inst.CampaignID]
		return ok && c.Status == model.StatusActive
	}), nil
}

func (m memInstances) ListDueForCampaign(_ context.Context, campaignID string, now time.Time, limit int) ([]*model.Instance, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.dueLocked(now, limit, func(inst *model.Instance) bool {
		return inst.CampaignID == campaignID
	}), nil
}

func (m memInstances) dueLocked(now time.Time, limit int, keep func(*model.Instance) bool) []*model.Instance {
	out := []*model.Instance{}
	for _, inst := range m.s.instances {
		if inst.Due(now) && keep(inst) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ResumeAt == nil) != (b.ResumeAt == nil) {
			return a.ResumeAt == nil
		}
		if a.ResumeAt != nil && !a.ResumeAt.Equal(*b.ResumeAt) {
			return a.ResumeAt.Before(*b.ResumeAt)
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m memInstances) CountByStatus(_ context.Context, campaignID string) (map[model.InstanceStatus]int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := map[model.InstanceStatus]int{}
	for _, inst := range m.s.instances {
		if inst.CampaignID == campaignID {
			out[inst.Status]++
		}
	}
	return out, nil
}

// ====================== Send records ======================

type memSends struct{ s *MemoryStore }

func (s *MemoryStore) cancelPendingLocked(campaignID, recipientID, reason string, at time.Time) int64 {
	var n int64
	for _, rec := range s.sends {
		if rec.CampaignID != campaignID || rec.Status != model.SendPending {
			continue
		}
		if recipientID != "" && rec.RecipientID != recipientID {
			continue
		}
		rec.Status = model.SendCancelled
		rec.LastError = reason
		rec.UpdatedAt = at
		n++
	}
	return n
}

func (m memSends) CreatePending(_ context.Context, rec *model.SendRecord) (*model.SendRecord, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.campaigns[rec.CampaignID]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(rec.CampaignID)
	}
	if c.Status != model.StatusActive {
		return nil, false, appErrors.NewInvalidStatus(rec.CampaignID, string(c.Status), "send for")
	}
	for _, existing := range m.s.sends {
		if existing.CampaignID == rec.CampaignID && existing.RecipientID == rec.RecipientID &&
			existing.StepID == rec.StepID && existing.Status == model.SendPending {
			cp := *existing
			return &cp, false, nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Status = model.SendPending
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.s.sends = append(m.s.sends, &cp)
	out := cp
	return &out, true, nil
}

func (m memSends) Latest(_ context.Context, campaignID, recipientID, stepID string) (*model.SendRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i := len(m.s.sends) - 1; i >= 0; i-- {
		rec := m.s.sends[i]
		if rec.CampaignID == campaignID && rec.RecipientID == recipientID && rec.StepID == stepID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m memSends) Finish(_ context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, rec := range m.s.sends {
		if rec.ID != id {
			continue
		}
		if rec.Status != model.SendPending {
			return false, nil
		}
		rec.Status = status
		rec.ProviderRef = providerRef
		rec.LastError = lastError
		rec.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (m memSends) Claim(_ context.Context, id string, staleBefore, now time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, rec := range m.s.sends {
		if rec.ID != id {
			continue
		}
		if rec.Status != model.SendPending || !rec.UpdatedAt.Before(staleBefore) {
			return false, nil
		}
		rec.UpdatedAt = now
		return true, nil
	}
	return false, nil
}

func (m memSends) RecordOutcome(_ context.Context, id string, status model.SendStatus, providerRef, lastError string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, rec := range m.s.sends {
		if rec.ID != id {
			continue
		}
		if rec.Status != model.SendPending && rec.Status != model.SendCancelled {
			return false, nil
		}
		rec.Status = status
		rec.ProviderRef = providerRef
		rec.LastError = lastError
		rec.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (m memSends) CancelPending(_ context.Context, campaignID, recipientID string) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	reason := "recipient cancelled"
	if recipientID == "" {
		reason = "campaign paused"
	}
	return m.s.cancelPendingLocked(campaignID, recipientID, reason, time.Now()), nil
}

func (m memSends) ListByCampaign(_ context.Context, campaignID string, offset, limit int) ([]*model.SendRecord, int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var matching []*model.SendRecord
	for i := len(m.s.sends) - 1; i >= 0; i-- {
		if m.s.sends[i].CampaignID == campaignID {
			matching = append(matching, m.s.sends[i])
		}
	}
	page := []*model.SendRecord{}
	for i := offset; i < len(matching) && len(page) < limit; i++ {
		cp := *matching[i]
		page = append(page, &cp)
	}
	return page, len(matching), nil
}

func (m memSends) GetCampaignStats(_ context.Context, campaignID string) (map[string]int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stats := emptySendStats()
	for _, rec := range m.s.sends {
		if rec.CampaignID == campaignID {
			stats[string(rec.Status)]++
		}
	}
	return stats, nil
}

// ====================== Recipients & templates ======================

type memRecipients struct{ s *MemoryStore }

func (m memRecipients) GetByID(_ context.Context, id string) (*model.Recipient, error) {
	m.s.refMu.RLock()
	defer m.s.refMu.RUnlock()
	r, ok := m.s.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	cp := *r
	cp.Attributes = copyAttributes(r.Attributes)
	return &cp, nil
}

func (m memRecipients) List(_ context.Context, offset, limit int) ([]*model.Recipient, error) {
	m.s.refMu.RLock()
	defer m.s.refMu.RUnlock()
	ids := make([]string, 0, len(m.s.recipients))
	for id := range m.s.recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []*model.Recipient{}
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		r := m.s.recipients[ids[i]]
		cp := *r
		cp.Attributes = copyAttributes(r.Attributes)
		out = append(out, &cp)
	}
	return out, nil
}

type memTemplates struct{ s *MemoryStore }

func (m memTemplates) GetByID(_ context.Context, id string) (*model.Template, error) {
	m.s.refMu.RLock()
	defer m.s.refMu.RUnlock()
	t, ok := m.s.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	cp := *t
	return &cp, nil
}
