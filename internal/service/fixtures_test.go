package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"ledgersync/internal/models"
	gormrepository "ledgersync/internal/repository/gorm"
	"ledgersync/internal/testutil"
)

func msDate(t time.Time) string {
	return fmt.Sprintf("/Date(%d+0000)/", t.UnixMilli())
}

func invoiceJSON(id string, updated time.Time, total string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"InvoiceID":%q,"InvoiceNumber":"INV-%s","Status":"AUTHORISED","CurrencyCode":"NZD","Total":%s,"Contact":{"ContactID":"c-1","Name":"Acme"},"UpdatedDateUTC":%q}`,
		id, id, total, msDate(updated)))
}

func contactJSON(id string, updated time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"ContactID":%q,"Name":"Contact %s","ContactStatus":"ACTIVE","UpdatedDateUTC":%q}`,
		id, id, updated.UTC().Format(time.RFC3339)))
}

func accountJSON(id string, updated time.Time) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"AccountID":%q,"Code":"%s00","Name":"Account %s","Status":"ACTIVE","UpdatedDateUTC":%q}`,
		id, id, id, msDate(updated)))
}

// invoicePage builds n invoices whose update times step by one minute from start.
func invoicePage(prefix string, n int, start time.Time) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, invoiceJSON(fmt.Sprintf("%s-%03d", prefix, i), start.Add(time.Duration(i)*time.Minute), "100.50"))
	}
	return out
}

type fetchCall struct {
	Entity models.EntityType
	Since  time.Time
	Token  string
}

// fakeSource serves scripted pages per entity. Token "" is page 0, token "n" is page n.
type fakeSource struct {
	mu      sync.Mutex
	pages   map[models.EntityType][][]json.RawMessage
	errs    map[models.EntityType]error
	block   map[models.EntityType]bool
	failAt  map[models.EntityType]int
	calls   []fetchCall
	onFetch func(entity models.EntityType, page int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:  map[models.EntityType][][]json.RawMessage{},
		errs:   map[models.EntityType]error{},
		block:  map[models.EntityType]bool{},
		failAt: map[models.EntityType]int{},
	}
}

func (f *fakeSource) FetchPage(ctx context.Context, entity models.EntityType, since time.Time, pageToken string) (PageResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{Entity: entity, Since: since, Token: pageToken})
	hook := f.onFetch
	err := f.errs[entity]
	block := f.block[entity]
	pages := f.pages[entity]
	failAt, failing := f.failAt[entity]
	f.mu.Unlock()

	idx := 0
	if pageToken != "" {
		idx, _ = strconv.Atoi(pageToken)
	}
	if hook != nil {
		hook(entity, idx)
	}
	if block {
		<-ctx.Done()
		return PageResult{APICalls: 1}, ctx.Err()
	}
	if err != nil {
		return PageResult{APICalls: 1}, err
	}
	if failing && idx == failAt {
		return PageResult{APICalls: 1}, &TransientAPIError{Entity: entity, Attempts: 4, Err: errors.New("502 bad gateway")}
	}
	if idx >= len(pages) {
		return PageResult{APICalls: 1}, nil
	}
	res := PageResult{Records: pages[idx], Requested: len(pages[idx]), APICalls: 1}
	if idx+1 < len(pages) {
		res.NextPageToken = strconv.Itoa(idx + 1)
	}
	return res, nil
}

func (f *fakeSource) entityOrder() []models.EntityType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EntityType
	for _, c := range f.calls {
		if len(out) == 0 || out[len(out)-1] != c.Entity {
			out = append(out, c.Entity)
		}
	}
	return out
}

func (f *fakeSource) sinces(entity models.EntityType) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, c := range f.calls {
		if c.Entity == entity {
			out = append(out, c.Since)
		}
	}
	return out
}

type harness struct {
	store  *gormrepository.Store
	source *fakeSource
	hub    *EventHub
	engine *SyncEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testutil.NewStore(t)
	source := newFakeSource()
	hub := NewEventHub(nil)
	checkpoints := &CheckpointStore{Repo: store, StaleAfter: time.Hour}
	worker := &EntityWorker{
		Checkpoints: checkpoints,
		Source:      source,
		Writer:      &StagingWriter{Store: store, MaxErrorDetails: 10},
		Store:       store,
	}
	orchestrator := &SessionOrchestrator{
		Store:           store,
		Checkpoints:     checkpoints,
		Worker:          worker,
		Events:          hub,
		TenantID:        "tenant-1",
		SessionTimeout:  time.Minute,
		FreshnessWindow: time.Hour,
	}
	return &harness{
		store:  store,
		source: source,
		hub:    hub,
		engine: &SyncEngine{Orchestrator: orchestrator, Checkpoints: checkpoints, Events: hub},
	}
}
