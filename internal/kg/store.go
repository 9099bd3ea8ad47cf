package kg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// record is one JSONL line. Exactly one of the type-specific field sets is
// populated, selected by Type.
type record struct {
	Type string `json:"type"`

	// entity fields
	Name         string   `json:"name,omitempty"`
	EntityType   Kind     `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`

	// relation fields
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	RelationType string `json:"relationType,omitempty"`
}

// Store is the knowledge-graph store. In-memory maps are authoritative; the
// JSONL file is a write-ahead mirror that is compacted periodically.
type Store struct {
	mu sync.RWMutex

	path         string
	compactEvery int

	entities  map[string]*Entity
	order     []string // entity names in insertion order
	relations []Relation

	appendsSinceCompact int
}

// Open loads (or creates) a store backed by the given JSONL file.
// compactEvery controls how many appended records trigger a rewrite; zero
// uses the default of 1000.
func Open(path string, compactEvery int) (*Store, error) {
	if compactEvery <= 0 {
		compactEvery = 1000
	}
	s := &Store{
		path:         path,
		compactEvery: compactEvery,
		entities:     make(map[string]*Entity),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load replays the JSONL file into memory. Corrupt lines are skipped; a later
// entity record for the same name replaces the earlier one in place.
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open kg file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // corrupt line
		}
		switch rec.Type {
		case "entity":
			if rec.Name == "" {
				continue
			}
			if existing, ok := s.entities[rec.Name]; ok {
				existing.Kind = rec.EntityType
				existing.Observations = rec.Observations
			} else {
				s.entities[rec.Name] = &Entity{Name: rec.Name, Kind: rec.EntityType, Observations: rec.Observations}
				s.order = append(s.order, rec.Name)
			}
		case "relation":
			if rec.From == "" || rec.To == "" {
				continue
			}
			rel := Relation{From: rec.From, To: rec.To, Kind: rec.RelationType}
			if !s.hasRelation(rel) {
				s.relations = append(s.relations, rel)
			}
		}
	}
	return scanner.Err()
}

func (s *Store) hasRelation(r Relation) bool {
	for _, rel := range s.relations {
		if rel == r {
			return true
		}
	}
	return false
}

// CreateEntities adds new entities, appending one record per entity. Existing
// names are rejected; the batch is validated before any write.
func (s *Store) CreateEntities(entities []Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		if err := validateEntity(e); err != nil {
			return 0, err
		}
		if _, exists := s.entities[e.Name]; exists {
			return 0, fmt.Errorf("entity %q already exists", e.Name)
		}
	}

	created := 0
	for _, e := range entities {
		ent := e // copy
		s.entities[ent.Name] = &ent
		s.order = append(s.order, ent.Name)
		s.appendRecord(record{Type: "entity", Name: ent.Name, EntityType: ent.Kind, Observations: ent.Observations})
		created++
	}
	s.maybeCompactLocked()
	return created, nil
}

// CreateRelations adds relations, skipping exact duplicates. Dangling
// endpoints are permitted.
func (s *Store) CreateRelations(relations []Relation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, r := range relations {
		if r.From == "" || r.To == "" || r.Kind == "" {
			return created, fmt.Errorf("relation requires from, to and kind")
		}
		if s.hasRelation(r) {
			continue
		}
		s.relations = append(s.relations, r)
		s.appendRecord(record{Type: "relation", From: r.From, To: r.To, RelationType: r.Kind})
		created++
	}
	s.maybeCompactLocked()
	return created, nil
}

// AddObservations appends observations to an existing entity, subject to the
// tier check. Returns the number added. The primitive does not deduplicate;
// dedup belongs to the curator layer.
func (s *Store) AddObservations(name string, observations []string, caller Role, changeApproved bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[name]
	if !ok {
		return 0, &NotFoundError{Name: name}
	}
	if err := checkWrite(ent.Tier(), caller, changeApproved); err != nil {
		return 0, err
	}

	ent.Observations = append(ent.Observations, observations...)
	s.compactLocked()
	return len(observations), nil
}

// DeleteObservations removes exact-match observations from an entity, subject
// to the same tier check as writes.
func (s *Store) DeleteObservations(name string, observations []string, caller Role, changeApproved bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[name]
	if !ok {
		return 0, &NotFoundError{Name: name}
	}
	if err := checkWrite(ent.Tier(), caller, changeApproved); err != nil {
		return 0, err
	}

	remove := make(map[string]bool, len(observations))
	for _, o := range observations {
		remove[o] = true
	}
	kept := ent.Observations[:0]
	removed := 0
	for _, o := range ent.Observations {
		if remove[o] {
			removed++
			continue
		}
		kept = append(kept, o)
	}
	ent.Observations = kept
	s.compactLocked()
	return removed, nil
}

// DeleteEntity removes an entity and every relation touching it.
func (s *Store) DeleteEntity(name string, caller Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	if err := checkDelete(ent.Tier(), caller); err != nil {
		return err
	}

	delete(s.entities, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	kept := s.relations[:0]
	for _, r := range s.relations {
		if r.From == name || r.To == name {
			continue
		}
		kept = append(kept, r)
	}
	s.relations = kept
	s.compactLocked()
	return nil
}

// DeleteRelations removes exact-match relations.
func (s *Store) DeleteRelations(relations []Relation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := make(map[Relation]bool, len(relations))
	for _, r := range relations {
		remove[r] = true
	}
	kept := s.relations[:0]
	removed := 0
	for _, r := range s.relations {
		if remove[r] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.relations = kept
	if removed > 0 {
		s.compactLocked()
	}
	return removed, nil
}

// GetEntity returns an entity with its full relation set.
func (s *Store) GetEntity(name string) (*EntityView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entities[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	view := &EntityView{Entity: *ent}
	for _, r := range s.relations {
		if r.From == name || r.To == name {
			view.Relations = append(view.Relations, r)
		}
	}
	return view, nil
}

// SearchNodes returns entities whose name or any observation contains the
// query, case-insensitively, in insertion order.
func (s *Store) SearchNodes(query string) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var out []Entity
	for _, name := range s.order {
		ent := s.entities[name]
		if strings.Contains(strings.ToLower(ent.Name), q) {
			out = append(out, *ent)
			continue
		}
		for _, obs := range ent.Observations {
			if strings.Contains(strings.ToLower(obs), q) {
				out = append(out, *ent)
				break
			}
		}
	}
	return out
}

// GetEntitiesByTier returns entities of the given tier in insertion order.
// TierQuality also matches unprotected entities.
func (s *Store) GetEntitiesByTier(tier Tier) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, name := range s.order {
		ent := s.entities[name]
		t := ent.Tier()
		if t == tier || (tier == TierQuality && t == TierNone) {
			out = append(out, *ent)
		}
	}
	return out
}

// AllEntities returns every entity in insertion order.
func (s *Store) AllEntities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entity, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.entities[name])
	}
	return out
}

// Compact rewrites the JSONL file from the in-memory state.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactNowLocked()
}

// appendRecord writes one record to the JSONL file. I/O failure is logged,
// not returned: the in-memory state is authoritative until the next
// successful write.
func (s *Store) appendRecord(rec record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("kg: marshal record failed", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		slog.Warn("kg: create data dir failed", "err", err)
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("kg: open kg file for append failed", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("kg: append record failed", "err", err)
		return
	}
	s.appendsSinceCompact++
}

// maybeCompactLocked compacts after compactEvery appends.
func (s *Store) maybeCompactLocked() {
	if s.appendsSinceCompact >= s.compactEvery {
		s.compactLocked()
	}
}

// compactLocked rewrites the file, logging (not returning) I/O failure.
// Mutations of existing entities always compact: a JSONL append cannot
// express an in-place change or a deletion.
func (s *Store) compactLocked() {
	if err := s.compactNowLocked(); err != nil {
		slog.Warn("kg: compaction failed; in-memory state remains authoritative", "err", err)
	}
}

// compactNowLocked snapshots the in-memory maps to a sibling temp file and
// renames it over the store file. Entities first in insertion order, then
// relations.
func (s *Store) compactNowLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create kg dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".kg-compact-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, name := range s.order {
		ent := s.entities[name]
		data, err := json.Marshal(record{Type: "entity", Name: ent.Name, EntityType: ent.Kind, Observations: ent.Observations})
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal entity %q: %w", name, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	for _, rel := range s.relations {
		data, err := json.Marshal(record{Type: "relation", From: rel.From, To: rel.To, RelationType: rel.Kind})
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal relation: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush compaction: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace kg file: %w", err)
	}
	s.appendsSinceCompact = 0
	return nil
}
