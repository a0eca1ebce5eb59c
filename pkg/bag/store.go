package bag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bagcache "github.com/novatechflow/bagtransport/pkg/bag/cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

// ObjectStoreConfig configures an ObjectStore.
type ObjectStoreConfig struct {
	// FlushMessages seals a segment once this many messages have
	// buffered. Zero disables count-based flushing.
	FlushMessages int
	// FlushInterval seals a segment this long after the first
	// buffered message, regardless of count. Zero disables
	// time-based flushing.
	FlushInterval time.Duration
	// ReadAheadSegments prefetches this many upcoming segments into
	// the cache while reading sequentially.
	ReadAheadSegments int
	CacheBytes        int
	// MaxConcurrentS3Ops bounds simultaneous segment and index uploads
	// made by Flush. Downloads are not bounded by it. Zero means
	// unbounded.
	MaxConcurrentS3Ops int64
	Logger             *slog.Logger
}

func (c ObjectStoreConfig) withDefaults() ObjectStoreConfig {
	if c.FlushMessages <= 0 {
		c.FlushMessages = 500
	}
	if c.CacheBytes <= 0 {
		c.CacheBytes = 32 << 20
	}
	return c
}

type segmentRange struct {
	baseSeq  int64
	lastSeq  int64
	size     int64
	indexKey string
}

// ObjectStore is a Reader and a Writer backed by object storage: it
// buffers appended messages, seals them into immutable segments plus
// a sparse index, and uploads both through an S3Client. Reading walks
// the sealed segments in order. A single instance can serve as the
// Writer during recording and, after Close, be reopened (or reused
// directly) as the Reader for playback.
type ObjectStore struct {
	namespace string
	bagID     string
	s3        S3Client
	cache     *bagcache.SegmentCache
	cfg       ObjectStoreConfig
	s3sem     *semaphore.Weighted

	mu       sync.Mutex
	topics   map[string]TopicMetadata
	buffer   []SerializedMessage
	nextSeq  int64
	segments []segmentRange
	flushing bool
	flushCV  *sync.Cond

	readMu     sync.Mutex
	readLoaded bool
	filter     StorageFilter
	readSegIdx int
	readBuf    []SerializedMessage
	readBufPos int
	starting   int64
}

// NewObjectStore constructs a store rooted at namespace/bagID.
func NewObjectStore(namespace, bagID string, s3Client S3Client, cfg ObjectStoreConfig) *ObjectStore {
	cfg = cfg.withDefaults()
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentS3Ops > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrentS3Ops)
	}
	s := &ObjectStore{
		namespace: namespace,
		bagID:     bagID,
		s3:        s3Client,
		cache:     bagcache.New(cfg.CacheBytes),
		cfg:       cfg,
		s3sem:     sem,
		topics:    make(map[string]TopicMetadata),
	}
	s.flushCV = sync.NewCond(&s.mu)
	return s
}

func (s *ObjectStore) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

func (s *ObjectStore) prefix() string {
	return path.Join(s.namespace, s.bagID) + "/"
}

func (s *ObjectStore) manifestKey() string {
	return path.Join(s.namespace, s.bagID, "manifest.idx")
}

func (s *ObjectStore) segmentKey(baseSeq int64) string {
	return path.Join(s.namespace, s.bagID, segmentKeySuffix(baseSeq))
}

func (s *ObjectStore) indexKey(baseSeq int64) string {
	return path.Join(s.namespace, s.bagID, indexKeySuffix(baseSeq))
}

// --- Writer contract ---

// Open restores existing segments and topic manifest from the
// backing store, if any, so writes append rather than overwrite.
func (s *ObjectStore) Open(_ StorageOptions, _ ConversionOptions) error {
	ctx := context.Background()
	if err := s.loadManifest(ctx); err != nil {
		return err
	}
	return s.restoreSegments(ctx)
}

func (s *ObjectStore) loadManifest(ctx context.Context) error {
	data, err := s.s3.DownloadIndex(ctx, s.manifestKey())
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("load manifest: %w", err)
	}
	var topics []TopicMetadata
	if err := yaml.Unmarshal(data, &topics); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	s.mu.Lock()
	for _, t := range topics {
		s.topics[t.Name] = t
	}
	s.mu.Unlock()
	return nil
}

func (s *ObjectStore) saveManifest(ctx context.Context) error {
	s.mu.Lock()
	topics := make([]TopicMetadata, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	data, err := yaml.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return s.s3.UploadIndex(ctx, s.manifestKey(), data)
}

func (s *ObjectStore) restoreSegments(ctx context.Context) error {
	objects, err := s.s3.ListSegments(ctx, s.prefix())
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	var segments []segmentRange
	for _, obj := range objects {
		base, ok := parseSegmentKey(obj.Key)
		if !ok {
			continue
		}
		indexKey := s.indexKey(base)
		idxBytes, err := s.s3.DownloadIndex(ctx, indexKey)
		if err != nil {
			s.logger().Warn("skipping segment with missing index", "key", obj.Key, "error", err)
			continue
		}
		entries, err := decodeIndex(idxBytes)
		if err != nil {
			s.logger().Warn("skipping segment with corrupt index", "key", obj.Key, "error", err)
			continue
		}
		last := base
		if len(entries) > 0 {
			last = entries[len(entries)-1].Sequence
		}
		segments = append(segments, segmentRange{baseSeq: base, lastSeq: last, size: obj.Size, indexKey: indexKey})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].baseSeq < segments[j].baseSeq })
	s.mu.Lock()
	s.segments = segments
	if n := len(segments); n > 0 {
		s.nextSeq = segments[n-1].lastSeq + 1
	}
	s.mu.Unlock()
	return nil
}

func (s *ObjectStore) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	return s.saveManifest(context.Background())
}

func (s *ObjectStore) CreateTopic(meta TopicMetadata) error {
	s.mu.Lock()
	s.topics[meta.Name] = meta
	s.mu.Unlock()
	return s.saveManifest(context.Background())
}

func (s *ObjectStore) RemoveTopic(meta TopicMetadata) error {
	s.mu.Lock()
	delete(s.topics, meta.Name)
	s.mu.Unlock()
	return s.saveManifest(context.Background())
}

func (s *ObjectStore) Write(msg SerializedMessage) error {
	s.mu.Lock()
	if _, ok := s.topics[msg.TopicName]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTopic, msg.TopicName)
	}
	s.buffer = append(s.buffer, msg)
	shouldFlush := s.cfg.FlushMessages > 0 && len(s.buffer) >= s.cfg.FlushMessages
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(context.Background())
	}
	return nil
}

func (s *ObjectStore) WriteRaw(data []byte, topicName, topicType string, wallTime int64) error {
	return s.Write(SerializedMessage{TopicName: topicName, SerializedData: data, TimeStamp: wallTime})
}

// Flush seals whatever is currently buffered into a new segment and
// uploads it. If a flush is already in progress, Flush waits for it
// and then seals anything that accumulated meanwhile — mirroring the
// teacher's PartitionLog.Flush concurrency contract.
func (s *ObjectStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	for s.flushing {
		s.flushCV.Wait()
	}
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	baseSeq := s.nextSeq
	pending := s.buffer
	s.buffer = nil
	s.flushing = true
	s.mu.Unlock()

	artifact := buildSegment(baseSeq, pending)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.acquire(gctx); err != nil {
			return err
		}
		defer s.release()
		return s.s3.UploadSegment(gctx, s.segmentKey(baseSeq), artifact.segmentBytes)
	})
	g.Go(func() error {
		if err := s.acquire(gctx); err != nil {
			return err
		}
		defer s.release()
		return s.s3.UploadIndex(gctx, s.indexKey(baseSeq), artifact.indexBytes)
	})
	err := g.Wait()

	s.mu.Lock()
	s.flushing = false
	if err == nil {
		s.nextSeq = artifact.lastSeq + 1
		s.segments = append(s.segments, segmentRange{
			baseSeq: baseSeq, lastSeq: artifact.lastSeq,
			size: int64(len(artifact.segmentBytes)), indexKey: s.indexKey(baseSeq),
		})
		s.cache.Set(s.cacheKey(baseSeq), artifact.segmentBytes)
	}
	s.flushCV.Broadcast()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	return nil
}

// TakeSnapshot forces a flush and reports true once it succeeds; a
// snapshot with nothing buffered is still a success.
func (s *ObjectStore) TakeSnapshot() (bool, error) {
	if err := s.Flush(context.Background()); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ObjectStore) acquire(ctx context.Context) error {
	if s.s3sem == nil {
		return nil
	}
	return s.s3sem.Acquire(ctx, 1)
}

func (s *ObjectStore) release() {
	if s.s3sem != nil {
		s.s3sem.Release(1)
	}
}

func (s *ObjectStore) cacheKey(baseSeq int64) string {
	return fmt.Sprintf("%s/%s:%d", s.namespace, s.bagID, baseSeq)
}

// --- Reader contract ---

func (s *ObjectStore) HasNext() bool {
	s.ensureReadLoaded()
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.hasNextLocked()
}

func (s *ObjectStore) hasNextLocked() bool {
	for s.readBufPos >= len(s.readBuf) {
		if !s.loadNextSegmentLocked() {
			return false
		}
	}
	return true
}

// loadNextSegmentLocked loads the next segment (honoring the current
// filter) into readBuf. Caller holds readMu. Returns false once every
// segment has been consumed.
func (s *ObjectStore) loadNextSegmentLocked() bool {
	s.mu.Lock()
	segs := s.segments
	s.mu.Unlock()
	for s.readSegIdx < len(segs) {
		seg := segs[s.readSegIdx]
		s.readSegIdx++
		data, ok := s.cache.Get(s.cacheKey(seg.baseSeq))
		if !ok {
			var err error
			data, err = s.s3.DownloadSegment(context.Background(), s.segmentKey(seg.baseSeq), nil)
			if err != nil {
				s.logger().Warn("failed to download segment", "base_seq", seg.baseSeq, "error", err)
				continue
			}
			s.cache.Set(s.cacheKey(seg.baseSeq), data)
		}
		s.prefetch(seg)
		msgs, err := parseSegment(data)
		if err != nil {
			s.logger().Warn("failed to parse segment", "base_seq", seg.baseSeq, "error", err)
			continue
		}
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if s.filter.Allows(m.TopicName) {
				filtered = append(filtered, m)
			}
		}
		s.readBuf = filtered
		s.readBufPos = 0
		if len(s.readBuf) > 0 {
			return true
		}
	}
	return false
}

func (s *ObjectStore) prefetch(current segmentRange) {
	if s.cfg.ReadAheadSegments <= 0 {
		return
	}
	s.mu.Lock()
	segs := s.segments
	s.mu.Unlock()
	idx := -1
	for i, sg := range segs {
		if sg.baseSeq == current.baseSeq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for i := 1; i <= s.cfg.ReadAheadSegments; i++ {
		next := idx + i
		if next >= len(segs) {
			break
		}
		seg := segs[next]
		if _, ok := s.cache.Get(s.cacheKey(seg.baseSeq)); ok {
			continue
		}
		go func(seg segmentRange) {
			data, err := s.s3.DownloadSegment(context.Background(), s.segmentKey(seg.baseSeq), nil)
			if err != nil {
				return
			}
			s.cache.Set(s.cacheKey(seg.baseSeq), data)
		}(seg)
	}
}

func (s *ObjectStore) ReadNext() (SerializedMessage, error) {
	s.ensureReadLoaded()
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if !s.hasNextLocked() {
		return SerializedMessage{}, ErrExhausted
	}
	m := s.readBuf[s.readBufPos]
	s.readBufPos++
	return m, nil
}

func (s *ObjectStore) Seek(timeStamp int64) error {
	s.ensureReadLoaded()
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.readSegIdx = 0
	s.readBuf = nil
	s.readBufPos = 0
	for s.loadNextSegmentLocked() {
		idx := sort.Search(len(s.readBuf), func(i int) bool { return s.readBuf[i].TimeStamp >= timeStamp })
		if idx < len(s.readBuf) {
			s.readBufPos = idx
			return nil
		}
	}
	return nil
}

func (s *ObjectStore) Metadata() (BagMetadata, error) {
	s.ensureReadLoaded()
	s.mu.Lock()
	topics := make([]TopicMetadata, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()
	return BagMetadata{
		StartingTime: time.Unix(0, s.starting).UTC(),
		Topics:       topics,
	}, nil
}

func (s *ObjectStore) AllTopicsAndTypes() ([]TopicMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TopicMetadata, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	return out, nil
}

func (s *ObjectStore) SetFilter(filter StorageFilter) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.filter = filter
	s.readSegIdx = 0
	s.readBuf = nil
	s.readBufPos = 0
}

// ensureReadLoaded discovers the bag's starting time on first read
// access and fixes it for the lifetime of the reader, independent of
// any filter or seek applied afterward.
func (s *ObjectStore) ensureReadLoaded() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.readLoaded {
		return
	}
	s.readLoaded = true
	s.mu.Lock()
	segs := s.segments
	s.mu.Unlock()
	if len(segs) == 0 {
		return
	}
	data, ok := s.cache.Get(s.cacheKey(segs[0].baseSeq))
	if !ok {
		var err error
		data, err = s.s3.DownloadSegment(context.Background(), s.segmentKey(segs[0].baseSeq), nil)
		if err != nil {
			return
		}
		s.cache.Set(s.cacheKey(segs[0].baseSeq), data)
	}
	msgs, err := parseSegment(data)
	if err == nil && len(msgs) > 0 {
		s.starting = msgs[0].TimeStamp
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// parseSegmentKey extracts the base sequence number from a segment
// object key of the form ".../segment-<20 digits>.seg".
func parseSegmentKey(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".seg") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".seg")
	base, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}
