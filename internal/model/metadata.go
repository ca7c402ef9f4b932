package model

import (
	"bufio"
	"sync"

	"github.com/bdeggleston/slogdb/internal/serializer"
)

// Metadata is the mastership record for a key: which region currently
// masters it, and a counter that increases monotonically on every
// remaster. Metadata.Counter must never decrease at any replica (spec §8
// "Metadata monotonicity").
type Metadata struct {
	MasterRegion int
	Counter      uint64
}

func (m Metadata) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(m.MasterRegion)); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, m.Counter)
}

func (m *Metadata) Deserialize(buf *bufio.Reader) error {
	region, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	counter, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	m.MasterRegion = int(region)
	m.Counter = counter
	return nil
}

// Remastered returns the metadata after a remaster to newRegion, with the
// counter incremented by exactly one.
func (m Metadata) Remastered(newRegion int) Metadata {
	return Metadata{MasterRegion: newRegion, Counter: m.Counter + 1}
}

// MetadataStore is the per-machine cache of key metadata, consulted by
// the Forwarder and updated on remaster commit. It tracks keys currently
// undergoing a remaster vote so in-flight transactions can be buffered
// rather than misrouted (spec §4.2 "Remaster-in-flight").
type MetadataStore struct {
	mu          sync.RWMutex
	entries     map[string]Metadata
	remastering map[string]bool
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		entries:     make(map[string]Metadata),
		remastering: make(map[string]bool),
	}
}

// Lookup returns the metadata for key and whether an entry exists. A
// missing entry is the caller's cue to apply the "local region" default
// (spec §4.2, §9 Open Question).
func (s *MetadataStore) Lookup(k Key) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.entries[k.String()]
	return md, ok
}

// IsRemastering reports whether key is currently undergoing a remaster
// vote and should not be resolved yet.
func (s *MetadataStore) IsRemastering(k Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remastering[k.String()]
}

func (s *MetadataStore) BeginRemaster(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remastering[k.String()] = true
}

// CommitRemaster atomically updates the master region and clears the
// in-flight flag, bumping the counter by exactly one.
func (s *MetadataStore) CommitRemaster(k Key, newRegion int) Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := k.String()
	md := s.entries[key]
	md = md.Remastered(newRegion)
	s.entries[key] = md
	delete(s.remastering, key)
	return md
}

// Set installs or overwrites metadata outright, used at bootstrap.
func (s *MetadataStore) Set(k Key, md Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k.String()] = md
}
