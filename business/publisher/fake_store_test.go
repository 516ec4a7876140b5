//go:build !integration

package publisher_test

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
	"sync"

	"experimenter/business/publisher"
)

// fakeStore keeps a workspace and a published view per collection. With
// autoPublish a review request is approved immediately.
type fakeStore struct {
	mu          sync.Mutex
	autoPublish bool
	version     int

	workspace map[string]map[string]json.RawMessage
	published map[string]map[string]json.RawMessage
	pending   map[string]bool
	rejected  map[string]map[string]bool
	rejection publisher.Rejection
	statuses  []publisher.CollectionStatus

	failWrites error
	// failPatch fails the next collection status change only
	failPatch error
}

func newFakeStore(autoPublish bool) *fakeStore {
	return &fakeStore{
		autoPublish: autoPublish,
		workspace:   make(map[string]map[string]json.RawMessage),
		published:   make(map[string]map[string]json.RawMessage),
		pending:     make(map[string]bool),
		rejected:    make(map[string]map[string]bool),
	}
}

func (f *fakeStore) ws(collection string) map[string]json.RawMessage {
	if f.workspace[collection] == nil {
		f.workspace[collection] = make(map[string]json.RawMessage)
	}
	return f.workspace[collection]
}

func (f *fakeStore) stamp(record json.RawMessage) json.RawMessage {
	f.version++
	var fields map[string]any
	_ = json.Unmarshal(record, &fields)
	fields["last_modified"] = f.version
	out, _ := json.Marshal(fields)
	return out
}

func (f *fakeStore) PublishedRecords(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.published[collection]), nil
}

func (f *fakeStore) CreateRecord(_ context.Context, collection, id string, record json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites != nil {
		return f.failWrites
	}
	if _, ok := f.ws(collection)[id]; ok {
		return publisher.ErrConflict
	}
	f.ws(collection)[id] = f.stamp(record)
	return nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, collection, id string, record json.RawMessage, etag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites != nil {
		return f.failWrites
	}
	current, ok := f.ws(collection)[id]
	if !ok {
		return publisher.ErrRecordNotFound
	}
	var meta struct {
		LastModified int `json:"last_modified"`
	}
	_ = json.Unmarshal(current, &meta)
	if etag != "" && etag != strconv.Itoa(meta.LastModified) {
		return publisher.ErrConflict
	}
	f.ws(collection)[id] = f.stamp(record)
	return nil
}

func (f *fakeStore) DeleteRecord(_ context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites != nil {
		return f.failWrites
	}
	if _, ok := f.ws(collection)[id]; !ok {
		return publisher.ErrRecordNotFound
	}
	delete(f.ws(collection), id)
	return nil
}

func (f *fakeStore) PatchCollectionStatus(_ context.Context, collection string, status publisher.CollectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPatch; err != nil {
		f.failPatch = nil
		return err
	}
	f.statuses = append(f.statuses, status)
	switch status {
	case publisher.StatusToReview:
		if f.autoPublish {
			f.published[collection] = maps.Clone(f.ws(collection))
		} else {
			f.pending[collection] = true
		}
	case publisher.StatusToSign:
		f.published[collection] = maps.Clone(f.ws(collection))
		f.pending[collection] = false
	case publisher.StatusToRollback:
		f.workspace[collection] = maps.Clone(f.published[collection])
		f.pending[collection] = false
		delete(f.rejected, collection)
	}
	return nil
}

func (f *fakeStore) PendingReview(_ context.Context, collection string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[collection], nil
}

func (f *fakeStore) IsRejected(_ context.Context, collection, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected[collection][id], nil
}

func (f *fakeStore) LastRejection(context.Context, string) (publisher.Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejection, nil
}

// approve publishes the workspace as a reviewer would.
func (f *fakeStore) approve(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[collection] = maps.Clone(f.ws(collection))
	f.pending[collection] = false
}

// reject marks every record that differs from the published view.
func (f *fakeStore) reject(collection, reviewer, comment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[collection] = false
	f.rejection = publisher.Rejection{Reviewer: reviewer, Comment: comment}
	marked := make(map[string]bool)
	for id, rec := range f.ws(collection) {
		if pub, ok := f.published[collection][id]; !ok || string(pub) != string(rec) {
			marked[id] = true
		}
	}
	for id := range f.published[collection] {
		if _, ok := f.ws(collection)[id]; !ok {
			marked[id] = true
		}
	}
	f.rejected[collection] = marked
}

func (f *fakeStore) workspaceIDs(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0)
	for id := range f.workspace[collection] {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeStore) patched() []publisher.CollectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publisher.CollectionStatus(nil), f.statuses...)
}
