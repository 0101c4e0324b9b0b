// Package memory implements the repositories on process memory. It backs the
// engine tests and the `database.driver: memory` local mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/bulk-mail/internal/model"
	"github.com/jwalitptl/bulk-mail/internal/repository"
)

// Store holds every table. Repositories built from the same Store share data.
type Store struct {
	mu sync.RWMutex

	campaigns       map[uuid.UUID]model.Campaign
	campaignDirect  map[uuid.UUID][]uuid.UUID
	campaignGroups  map[uuid.UUID][]uuid.UUID
	recipients      map[uuid.UUID]model.Recipient
	groups          map[uuid.UUID]model.Group
	groupRecipients map[uuid.UUID][]uuid.UUID
	templates       map[uuid.UUID]model.Template
	events          []model.MailEvent

	now func() time.Time
	// seq orders rows created within the same clock tick.
	seq int64
}

func NewStore() *Store {
	return &Store{
		campaigns:       make(map[uuid.UUID]model.Campaign),
		campaignDirect:  make(map[uuid.UUID][]uuid.UUID),
		campaignGroups:  make(map[uuid.UUID][]uuid.UUID),
		recipients:      make(map[uuid.UUID]model.Recipient),
		groups:          make(map[uuid.UUID]model.Group),
		groupRecipients: make(map[uuid.UUID][]uuid.UUID),
		templates:       make(map[uuid.UUID]model.Template),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// stamp returns a strictly increasing timestamp so updated_at ordering is total.
func (s *Store) stamp() time.Time {
	s.seq++
	return s.now().Add(time.Duration(s.seq) * time.Nanosecond)
}

func (s *Store) Campaigns() repository.CampaignRepository   { return &campaignRepository{s} }
func (s *Store) Recipients() repository.RecipientRepository { return &recipientRepository{s} }
func (s *Store) Groups() repository.GroupRepository         { return &groupRepository{s} }
func (s *Store) MailEvents() repository.MailEventRepository { return &mailEventRepository{s} }
func (s *Store) Templates() repository.TemplateRepository   { return &templateRepository{s} }

// audience returns the distinct direct and group recipient ids of a campaign. Caller holds mu.
func (s *Store) audience(campaignID uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		if _, ok := s.recipients[id]; !ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range s.campaignDirect[campaignID] {
		add(id)
	}
	for _, gid := range s.campaignGroups[campaignID] {
		for _, id := range s.groupRecipients[gid] {
			add(id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.recipients[ids[i]], s.recipients[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return strings.Compare(a.ID.String(), b.ID.String()) < 0
	})
	return ids
}

func page(n int, p model.Pagination) (int, int) {
	start := p.Offset()
	if start > n {
		start = n
	}
	end := start + p.Limit()
	if end > n {
		end = n
	}
	return start, end
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type campaignRepository struct{ s *Store }

func (r *campaignRepository) Create(_ context.Context, c *model.Campaign, recipientIDs, groupIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := r.s.campaigns[c.ID]; exists {
		return repository.ErrDuplicate
	}
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	now := r.s.stamp()
	c.CreatedAt = now
	c.UpdatedAt = now

	r.s.campaigns[c.ID] = *c
	r.s.campaignDirect[c.ID] = append([]uuid.UUID(nil), recipientIDs...)
	r.s.campaignGroups[c.ID] = append([]uuid.UUID(nil), groupIDs...)
	return nil
}

func (r *campaignRepository) Get(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *campaignRepository) List(_ context.Context, userID uuid.UUID, p model.Pagination) ([]*model.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var all []*model.Campaign
	for _, c := range r.s.campaigns {
		if c.UserID == userID {
			c := c
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start, end := page(len(all), p)
	return all[start:end], nil
}

func (r *campaignRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.campaigns, id)
	delete(r.s.campaignDirect, id)
	delete(r.s.campaignGroups, id)
	return nil
}

func (r *campaignRepository) UpdateStatus(_ context.Context, id uuid.UUID, change model.StatusChange) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if c.Status != change.From {
		return nil, repository.ErrStatusConflict
	}

	c.Status = change.To
	if change.ScheduledAt != nil {
		c.ScheduledAt = timePtr(change.ScheduledAt)
	}
	if change.SentAt != nil {
		c.SentAt = timePtr(change.SentAt)
	}
	if change.CompletedAt != nil {
		c.CompletedAt = timePtr(change.CompletedAt)
	}
	c.UpdatedAt = r.s.stamp()
	r.s.campaigns[id] = c
	return &c, nil
}

func (r *campaignRepository) SetSentAt(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.SentAt = &at
	c.UpdatedAt = r.s.stamp()
	r.s.campaigns[id] = c
	return nil
}

func (r *campaignRepository) ListByStatus(_ context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *campaignRepository) ListScheduledBefore(_ context.Context, before time.Time, limit int) ([]*model.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*model.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(before) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recipientRepository struct{ s *Store }

func (r *recipientRepository) Create(_ context.Context, rec *model.Recipient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	for _, existing := range r.s.recipients {
		if existing.Email == rec.Email {
			return repository.ErrDuplicate
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = model.RecipientStatusActive
	}
	now := r.s.stamp()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.s.recipients[rec.ID] = *rec
	return nil
}

func (r *recipientRepository) Get(_ context.Context, id uuid.UUID) (*model.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *recipientRepository) GetByEmail(_ context.Context, email string) (*model.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, rec := range r.s.recipients {
		if rec.Email == email {
			rec := rec
			return &rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *recipientRepository) SetStatus(_ context.Context, id uuid.UUID, status model.RecipientStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = r.s.stamp()
	r.s.recipients[id] = rec
	return nil
}

func (r *recipientRepository) ListActiveByIDs(_ context.Context, ids []uuid.UUID) ([]*model.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := []*model.Recipient{}
	for _, id := range ids {
		if rec, ok := r.s.recipients[id]; ok && rec.Active() {
			rec := rec
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (r *recipientRepository) ResolveActiveIDs(_ context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := []uuid.UUID{}
	for _, id := range r.s.audience(campaignID) {
		if rec := r.s.recipients[id]; rec.Active() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *recipientRepository) CountLinked(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.audience(campaignID)), nil
}

func (r *recipientRepository) ListForCampaign(_ context.Context, campaignID uuid.UUID, p model.Pagination) ([]*model.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := r.s.audience(campaignID)
	start, end := page(len(ids), p)
	out := make([]*model.Recipient, 0, end-start)
	for _, id := range ids[start:end] {
		rec := r.s.recipients[id]
		out = append(out, &rec)
	}
	return out, nil
}

type groupRepository struct{ s *Store }

func (r *groupRepository) Create(_ context.Context, g *model.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	now := r.s.stamp()
	g.CreatedAt = now
	g.UpdatedAt = now
	r.s.groups[g.ID] = *g
	return nil
}

func (r *groupRepository) AddRecipients(_ context.Context, groupID uuid.UUID, recipientIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.groups[groupID]; !ok {
		return repository.ErrNotFound
	}
	existing := make(map[uuid.UUID]struct{})
	for _, id := range r.s.groupRecipients[groupID] {
		existing[id] = struct{}{}
	}
	for _, id := range recipientIDs {
		if _, ok := existing[id]; !ok {
			r.s.groupRecipients[groupID] = append(r.s.groupRecipients[groupID], id)
			existing[id] = struct{}{}
		}
	}
	return nil
}

type mailEventRepository struct{ s *Store }

func (r *mailEventRepository) Create(_ context.Context, e *model.MailEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.stamp()
	}
	r.s.events = append(r.s.events, *e)
	return nil
}

func (r *mailEventRepository) CountTerminalRecipients(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	for _, e := range r.s.events {
		if e.CampaignID == campaignID && e.Type.Terminal() {
			seen[e.RecipientID] = struct{}{}
		}
	}
	return len(seen), nil
}

func (r *mailEventRepository) TerminalRecipients(_ context.Context, campaignID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	done := make(map[uuid.UUID]struct{})
	for _, e := range r.s.events {
		if _, ok := want[e.RecipientID]; ok && e.CampaignID == campaignID && e.Type.Terminal() {
			done[e.RecipientID] = struct{}{}
		}
	}
	return done, nil
}

func (r *mailEventRepository) Tally(_ context.Context, campaignID uuid.UUID) (model.EventTally, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seen := make(map[model.MailEventType]map[uuid.UUID]struct{})
	for _, e := range r.s.events {
		if e.CampaignID != campaignID {
			continue
		}
		if seen[e.Type] == nil {
			seen[e.Type] = make(map[uuid.UUID]struct{})
		}
		seen[e.Type][e.RecipientID] = struct{}{}
	}
	tally := make(model.EventTally, len(seen))
	for t, ids := range seen {
		tally[t] = len(ids)
	}
	return tally, nil
}

func (r *mailEventRepository) FindSentByMessageID(_ context.Context, messageID string) (*model.MailEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, e := range r.s.events {
		if e.Type == model.MailEventSent && e.MessageID != nil && *e.MessageID == messageID {
			e := e
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Events returns a copy of every recorded event for a campaign.
func (s *Store) Events(campaignID uuid.UUID) []model.MailEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MailEvent
	for _, e := range s.events {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out
}

type templateRepository struct{ s *Store }

func (r *templateRepository) Create(_ context.Context, t *model.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := r.s.stamp()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.s.templates[t.ID] = *t
	return nil
}

func (r *templateRepository) Get(_ context.Context, id uuid.UUID) (*model.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}
