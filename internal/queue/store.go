// Package queue implements CrawlStore, the durable shared queue and
// per-URL status table every worker coordinates through. It is grounded on
// two teacher-pack sources: the Redis list/expire idioms in
// go-fetcher's lib/deadletter_queue.go (LPush/RPop/Expire/LLen), generalized
// from a single dead-letter list into a depth-bucketed FIFO queue plus
// seen-set/terminal-set/lock bookkeeping; and the storage.Backend interface
// shape from the teacher's internal/storage package, generalized from
// "save one result" to "own the crawl's entire durable state".
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddResult is the outcome of addToQueue.
type AddResult int

const (
	Added AddResult = iota
	DupeURL
	LimitHit
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "ADDED"
	case DupeURL:
		return "DUPE_URL"
	case LimitHit:
		return "LIMIT_HIT"
	default:
		return "UNKNOWN"
	}
}

// Status is one of the crawl-wide lifecycle states.
type Status string

const (
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailing     Status = "failing"
	StatusFailed      Status = "failed"
	StatusCanceled    Status = "canceled"
	StatusInterrupted Status = "interrupted"
	StatusDebug       Status = "debug"
)

// QueueEntry is one URL awaiting processing.
type QueueEntry struct {
	URL        string    `json:"url"`
	SeedID     int       `json:"seedId"`
	Depth      int       `json:"depth"`
	ExtraHops  int       `json:"extraHops"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	PageID     string    `json:"pageId,omitempty"`
}

// Claim is a QueueEntry handed to a worker by nextFromQueue, carrying the
// lock token the worker must present to markFinished/markFailed/markExcluded.
// A stale worker presenting an old token is a no-op, which is how a
// reclaimed lock's original owner is prevented from clobbering the new
// owner's outcome.
type Claim struct {
	Entry QueueEntry
	Token int64
}

type lockRecord struct {
	Entry    QueueEntry `json:"entry"`
	WorkerID string     `json:"workerId"`
	Token    int64      `json:"token"`
	Deadline int64      `json:"deadline"` // unix nanos
}

type extraSeedRecord struct {
	OrigSeedID int    `json:"origSeedId"`
	NewSeedID  int    `json:"newSeedId"`
	URL        string `json:"url"`
}

// StateBlob is the full snapshot serialize()/load() exchange for
// checkpointing: queue entries grouped by depth, the seen-set, the terminal
// sets, the extra-seeds list, and the sitemap-done flags.
type StateBlob struct {
	QueueByDepth map[int][]QueueEntry       `yaml:"queueByDepth"`
	Seen         []string                   `yaml:"seen"`
	Done         []string                   `yaml:"done"`
	Failed       []string                   `yaml:"failed"`
	Excluded     []string                   `yaml:"excluded"`
	ExtraSeeds   []ExtraSeedSnapshot        `yaml:"extraSeeds"`
	SitemapDone  map[int]bool               `yaml:"sitemapDone"`
	Status       Status                     `yaml:"status"`
	LimitHit     bool                       `yaml:"limitHit"`
}

// ExtraSeedSnapshot is the persisted form of one addExtraSeed call.
type ExtraSeedSnapshot struct {
	OrigSeedID int    `yaml:"origSeedId"`
	NewSeedID  int    `yaml:"newSeedId"`
	URL        string `yaml:"url"`
}

// Store is a CrawlStore backed by Redis. All operations are safe under
// concurrent callers; Redis' own single-threaded command execution gives us
// the atomicity the invariants in spec.md §3/§4.2 require for the
// individual primitives (SADD's "already a member" return, LPOP, etc).
type Store struct {
	rdb        *redis.Client
	crawlID    string
	maxPageTime time.Duration
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (Close). maxPageTime is the lock deadline window applied to
// every nextFromQueue claim.
func New(rdb *redis.Client, crawlID string, maxPageTime time.Duration) *Store {
	if maxPageTime <= 0 {
		maxPageTime = 5 * time.Minute
	}
	return &Store{rdb: rdb, crawlID: crawlID, maxPageTime: maxPageTime}
}

func (s *Store) key(parts ...string) string {
	k := "crawl:" + s.crawlID
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) queueKey(depth int) string  { return s.key("queue", fmt.Sprintf("%d", depth)) }
func (s *Store) depthsKey() string          { return s.key("depths") }
func (s *Store) seenKey() string            { return s.key("seen") }
func (s *Store) doneKey() string            { return s.key("done") }
func (s *Store) failedKey() string          { return s.key("failed") }
func (s *Store) excludedKey() string        { return s.key("excluded") }
func (s *Store) lockDataKey() string        { return s.key("lockdata") }
func (s *Store) lockDeadlineKey() string    { return s.key("lockdeadline") }
func (s *Store) countKey() string           { return s.key("count") }
func (s *Store) limitHitKey() string        { return s.key("limithit") }
func (s *Store) extraSeedsKey() string      { return s.key("extraseeds") }
func (s *Store) seedCounterKey() string     { return s.key("seedcounter") }
func (s *Store) sitemapDoneKey(seedID int) string {
	return s.key("sitemapdone", fmt.Sprintf("%d", seedID))
}
func (s *Store) statusKey() string  { return s.key("status") }
func (s *Store) controlKey() string { return s.key("control") }

// AddToQueue inserts entry if its normalized URL has not been seen before,
// and if doing so would not exceed pageLimit (0 means unlimited). LimitHit
// is sticky: once observed it is persisted and all subsequent calls short
// circuit to LimitHit without touching the seen-set.
func (s *Store) AddToQueue(ctx context.Context, entry QueueEntry, pageLimit int) (AddResult, error) {
	hit, err := s.rdb.Get(ctx, s.limitHitKey()).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("check limit-hit flag: %w", err)
	}
	if hit == "1" {
		return LimitHit, nil
	}

	if pageLimit > 0 {
		count, err := s.rdb.Get(ctx, s.countKey()).Int()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("read queue count: %w", err)
		}
		if count >= pageLimit {
			if err := s.rdb.Set(ctx, s.limitHitKey(), "1", 0).Err(); err != nil {
				return 0, fmt.Errorf("set limit-hit flag: %w", err)
			}
			return LimitHit, nil
		}
	}

	added, err := s.rdb.SAdd(ctx, s.seenKey(), entry.URL).Result()
	if err != nil {
		return 0, fmt.Errorf("dedup check: %w", err)
	}
	if added == 0 {
		return DupeURL, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.queueKey(entry.Depth), data)
	pipe.ZAdd(ctx, s.depthsKey(), redis.Z{Score: float64(entry.Depth), Member: entry.Depth})
	pipe.Incr(ctx, s.countKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	return Added, nil
}

// NextFromQueue first attempts to reclaim an expired lock, then falls back
// to popping the lowest non-empty depth bucket. Returns nil if nothing is
// available right now.
func (s *Store) NextFromQueue(ctx context.Context, workerID string) (*Claim, error) {
	if claim, err := s.reclaimExpired(ctx, workerID); err != nil {
		return nil, err
	} else if claim != nil {
		return claim, nil
	}

	depths, err := s.rdb.ZRangeWithScores(ctx, s.depthsKey(), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list active depths: %w", err)
	}

	for _, z := range depths {
		depth := int(z.Score)
		data, err := s.rdb.LPop(ctx, s.queueKey(depth)).Result()
		if err == redis.Nil {
			_ = s.rdb.ZRem(ctx, s.depthsKey(), depth).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop queue bucket %d: %w", depth, err)
		}

		var entry QueueEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal queue entry: %w", err)
		}

		return s.claimEntry(ctx, workerID, entry)
	}

	return nil, nil
}

func (s *Store) claimEntry(ctx context.Context, workerID string, entry QueueEntry) (*Claim, error) {
	token, err := s.rdb.Incr(ctx, s.key("tokencounter")).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate lock token: %w", err)
	}
	deadline := time.Now().Add(s.maxPageTime)

	rec := lockRecord{Entry: entry, WorkerID: workerID, Token: token, Deadline: deadline.UnixNano()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.lockDataKey(), entry.URL, data)
	pipe.ZAdd(ctx, s.lockDeadlineKey(), redis.Z{Score: float64(deadline.UnixNano()), Member: entry.URL})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record lock: %w", err)
	}

	return &Claim{Entry: entry, Token: token}, nil
}

// reclaimExpired looks for one in-progress lock past its deadline and
// reassigns it to workerID with a freshly issued token, returning it as a
// new Claim. The original owner's token is now stale: its later
// markFinished/markFailed/markExcluded will be silently ignored.
func (s *Store) reclaimExpired(ctx context.Context, workerID string) (*Claim, error) {
	now := float64(time.Now().UnixNano())
	urls, err := s.rdb.ZRangeByScore(ctx, s.lockDeadlineKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired locks: %w", err)
	}
	if len(urls) == 0 {
		return nil, nil
	}
	url := urls[0]

	data, err := s.rdb.HGet(ctx, s.lockDataKey(), url).Result()
	if err == redis.Nil {
		_ = s.rdb.ZRem(ctx, s.lockDeadlineKey(), url).Err()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read expired lock record: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal expired lock record: %w", err)
	}

	return s.claimEntry(ctx, workerID, rec.Entry)
}

func (s *Store) releaseLock(ctx context.Context, url string, token int64, targetSet string) error {
	data, err := s.rdb.HGet(ctx, s.lockDataKey(), url).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock record: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return fmt.Errorf("unmarshal lock record: %w", err)
	}
	if rec.Token != token {
		// Stale claim: a newer owner already holds this URL.
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.lockDataKey(), url)
	pipe.ZRem(ctx, s.lockDeadlineKey(), url)
	if targetSet != "" {
		pipe.SAdd(ctx, targetSet, url)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// MarkFinished moves url from in-progress to the done set, ignoring stale
// tokens per the lock-reclamation invariant.
func (s *Store) MarkFinished(ctx context.Context, url string, token int64) error {
	return s.releaseLock(ctx, url, token, s.doneKey())
}

// MarkFailed moves url from in-progress to the failed set.
func (s *Store) MarkFailed(ctx context.Context, url string, token int64) error {
	return s.releaseLock(ctx, url, token, s.failedKey())
}

// MarkExcluded moves url from in-progress to the excluded set (used when a
// rechecked scope rejects a URL that was in scope at enqueue time).
func (s *Store) MarkExcluded(ctx context.Context, url string, token int64) error {
	return s.releaseLock(ctx, url, token, s.excludedKey())
}

// ClearOwnPendingLocks returns every lock whose WorkerID satisfies owns back
// to its depth-bucket queue. Called once at startup to clean up after an
// abrupt prior process exit that left locks dangling. owns must identify
// only worker IDs this host itself could have assigned (per spec §4.2) — a
// nil owns matches nothing, since clearing every host's locks on a single
// replica's restart would let a still-live replica's in-flight page be
// reclaimed and processed a second time concurrently (§8 invariant 1).
func (s *Store) ClearOwnPendingLocks(ctx context.Context, owns func(workerID string) bool) error {
	if owns == nil {
		return nil
	}
	all, err := s.rdb.HGetAll(ctx, s.lockDataKey()).Result()
	if err != nil {
		return fmt.Errorf("scan locks: %w", err)
	}
	for url, data := range all {
		var rec lockRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		if !owns(rec.WorkerID) {
			continue
		}
		entryData, err := json.Marshal(rec.Entry)
		if err != nil {
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.HDel(ctx, s.lockDataKey(), url)
		pipe.ZRem(ctx, s.lockDeadlineKey(), url)
		pipe.RPush(ctx, s.queueKey(rec.Entry.Depth), entryData)
		pipe.ZAdd(ctx, s.depthsKey(), redis.Z{Score: float64(rec.Entry.Depth), Member: rec.Entry.Depth})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue stale lock for %s: %w", url, err)
		}
	}
	return nil
}

// AddExtraSeed appends a new seed record to the persisted extra-seeds list
// and returns its deterministically assigned SeedID.
func (s *Store) AddExtraSeed(ctx context.Context, origSeedID int, respURL string) (int, error) {
	newID, err := s.rdb.Incr(ctx, s.seedCounterKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate extra seed id: %w", err)
	}
	rec := extraSeedRecord{OrigSeedID: origSeedID, NewSeedID: int(newID), URL: respURL}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal extra seed: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.extraSeedsKey(), data).Err(); err != nil {
		return 0, fmt.Errorf("persist extra seed: %w", err)
	}
	return int(newID), nil
}

// GetExtraSeeds returns every extra seed recorded so far, in creation order.
func (s *Store) GetExtraSeeds(ctx context.Context) ([]ExtraSeedSnapshot, error) {
	raw, err := s.rdb.LRange(ctx, s.extraSeedsKey(), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read extra seeds: %w", err)
	}
	out := make([]ExtraSeedSnapshot, 0, len(raw))
	for _, data := range raw {
		var rec extraSeedRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal extra seed: %w", err)
		}
		out = append(out, ExtraSeedSnapshot(rec))
	}
	return out, nil
}

// MarkSitemapDone idempotently flags seedID's sitemap as fully resolved.
func (s *Store) MarkSitemapDone(ctx context.Context, seedID int) error {
	if err := s.rdb.Set(ctx, s.sitemapDoneKey(seedID), "1", 0).Err(); err != nil {
		return fmt.Errorf("set sitemap-done flag: %w", err)
	}
	return nil
}

// IsSitemapDone reports whether seedID's sitemap has already been ingested.
func (s *Store) IsSitemapDone(ctx context.Context, seedID int) (bool, error) {
	v, err := s.rdb.Get(ctx, s.sitemapDoneKey(seedID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read sitemap-done flag: %w", err)
	}
	return v == "1", nil
}

// SetStatus sets the crawl-wide status.
func (s *Store) SetStatus(ctx context.Context, status Status) error {
	if err := s.rdb.Set(ctx, s.statusKey(), string(status), 0).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// GetStatus reads the crawl-wide status, defaulting to running if unset.
func (s *Store) GetStatus(ctx context.Context) (Status, error) {
	v, err := s.rdb.Get(ctx, s.statusKey()).Result()
	if err == redis.Nil {
		return StatusRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return Status(v), nil
}

// IsCrawlCanceled reports whether the crawl-wide status is canceled.
func (s *Store) IsCrawlCanceled(ctx context.Context) (bool, error) {
	st, err := s.GetStatus(ctx)
	return st == StatusCanceled, err
}

// IsCrawlStopped reports whether the crawl-wide status is any terminal one
// a worker should stop pulling new work for.
func (s *Store) IsCrawlStopped(ctx context.Context) (bool, error) {
	st, err := s.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	switch st {
	case StatusDone, StatusFailed, StatusCanceled, StatusInterrupted:
		return true, nil
	default:
		return false, nil
	}
}

// QueueSize returns the total number of URLs still queued (not in-progress,
// not terminal).
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	depths, err := s.rdb.ZRange(ctx, s.depthsKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list depths: %w", err)
	}
	var total int64
	for _, d := range depths {
		n, err := s.rdb.LLen(ctx, s.key("queue", d)).Result()
		if err != nil {
			return 0, fmt.Errorf("count queue bucket %s: %w", d, err)
		}
		total += n
	}
	return total, nil
}

// NumPending returns queued + in-progress, used by workers deciding whether
// to keep polling or exit.
func (s *Store) NumPending(ctx context.Context) (int64, error) {
	queued, err := s.QueueSize(ctx)
	if err != nil {
		return 0, err
	}
	inProgress, err := s.rdb.HLen(ctx, s.lockDataKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count in-progress: %w", err)
	}
	return queued + inProgress, nil
}

// NumDone returns the size of the done set.
func (s *Store) NumDone(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.doneKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count done: %w", err)
	}
	return n, nil
}

// NumFailed returns the size of the failed set.
func (s *Store) NumFailed(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.failedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// GetPendingList returns every URL still queued, across all depth buckets,
// lowest depth first.
func (s *Store) GetPendingList(ctx context.Context) ([]QueueEntry, error) {
	depths, err := s.rdb.ZRange(ctx, s.depthsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list depths: %w", err)
	}
	var out []QueueEntry
	for _, d := range depths {
		raw, err := s.rdb.LRange(ctx, s.key("queue", d), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read queue bucket %s: %w", d, err)
		}
		for _, data := range raw {
			var e QueueEntry
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				return nil, fmt.Errorf("unmarshal queue entry: %w", err)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Serialize snapshots the entire crawl state for checkpointing.
func (s *Store) Serialize(ctx context.Context) (StateBlob, error) {
	var blob StateBlob
	blob.QueueByDepth = make(map[int][]QueueEntry)
	blob.SitemapDone = make(map[int]bool)

	depths, err := s.rdb.ZRange(ctx, s.depthsKey(), 0, -1).Result()
	if err != nil {
		return blob, fmt.Errorf("list depths: %w", err)
	}
	for _, d := range depths {
		raw, err := s.rdb.LRange(ctx, s.key("queue", d), 0, -1).Result()
		if err != nil {
			return blob, fmt.Errorf("read queue bucket %s: %w", d, err)
		}
		var depth int
		fmt.Sscanf(d, "%d", &depth)
		entries := make([]QueueEntry, 0, len(raw))
		for _, data := range raw {
			var e QueueEntry
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				return blob, fmt.Errorf("unmarshal queue entry: %w", err)
			}
			entries = append(entries, e)
		}
		blob.QueueByDepth[depth] = entries
	}

	seen, err := s.rdb.SMembers(ctx, s.seenKey()).Result()
	if err != nil {
		return blob, fmt.Errorf("read seen set: %w", err)
	}
	blob.Seen = seen

	blob.Done, err = s.rdb.SMembers(ctx, s.doneKey()).Result()
	if err != nil {
		return blob, fmt.Errorf("read done set: %w", err)
	}
	blob.Failed, err = s.rdb.SMembers(ctx, s.failedKey()).Result()
	if err != nil {
		return blob, fmt.Errorf("read failed set: %w", err)
	}
	blob.Excluded, err = s.rdb.SMembers(ctx, s.excludedKey()).Result()
	if err != nil {
		return blob, fmt.Errorf("read excluded set: %w", err)
	}

	extras, err := s.GetExtraSeeds(ctx)
	if err != nil {
		return blob, err
	}
	blob.ExtraSeeds = extras

	sitemapPrefix := s.key("sitemapdone") + ":"
	iter := s.rdb.Scan(ctx, 0, sitemapPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		var seedID int
		if _, err := fmt.Sscanf(iter.Val()[len(sitemapPrefix):], "%d", &seedID); err == nil {
			blob.SitemapDone[seedID] = true
		}
	}
	if err := iter.Err(); err != nil {
		return blob, fmt.Errorf("scan sitemap-done flags: %w", err)
	}

	status, err := s.GetStatus(ctx)
	if err != nil {
		return blob, err
	}
	blob.Status = status

	hit, err := s.rdb.Get(ctx, s.limitHitKey()).Result()
	if err != nil && err != redis.Nil {
		return blob, fmt.Errorf("read limit-hit flag: %w", err)
	}
	blob.LimitHit = hit == "1"

	return blob, nil
}

// Load restores a previously serialized StateBlob. seedIDs lists every
// known seed id (original plus already-recorded extra seeds); Load itself
// does not consult it, and restores sitemap-done flags from
// blob.SitemapDone, which Serialize fills for every seed that has the flag
// set. resume, when false, clears any existing data under this crawlId
// before loading (a fresh run reusing an old id).
func (s *Store) Load(ctx context.Context, blob StateBlob, seedIDs []int, resume bool) error {
	if !resume {
		if err := s.wipe(ctx); err != nil {
			return fmt.Errorf("wipe existing state: %w", err)
		}
	}

	pipe := s.rdb.TxPipeline()
	for depth, entries := range blob.QueueByDepth {
		if len(entries) == 0 {
			continue
		}
		pipe.ZAdd(ctx, s.depthsKey(), redis.Z{Score: float64(depth), Member: depth})
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal queue entry: %w", err)
			}
			pipe.RPush(ctx, s.queueKey(depth), data)
		}
	}
	if len(blob.Seen) > 0 {
		members := make([]interface{}, len(blob.Seen))
		for i, u := range blob.Seen {
			members[i] = u
		}
		pipe.SAdd(ctx, s.seenKey(), members...)
	}
	addAll := func(key string, urls []string) {
		if len(urls) == 0 {
			return
		}
		members := make([]interface{}, len(urls))
		for i, u := range urls {
			members[i] = u
		}
		pipe.SAdd(ctx, key, members...)
	}
	addAll(s.doneKey(), blob.Done)
	addAll(s.failedKey(), blob.Failed)
	addAll(s.excludedKey(), blob.Excluded)

	for _, rec := range blob.ExtraSeeds {
		data, err := json.Marshal(extraSeedRecord(rec))
		if err != nil {
			return fmt.Errorf("marshal extra seed: %w", err)
		}
		pipe.RPush(ctx, s.extraSeedsKey(), data)
	}
	if blob.Status != "" {
		pipe.Set(ctx, s.statusKey(), string(blob.Status), 0)
	}
	if blob.LimitHit {
		pipe.Set(ctx, s.limitHitKey(), "1", 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	for seedID, done := range blob.SitemapDone {
		if done {
			if err := s.MarkSitemapDone(ctx, seedID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) wipe(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, "crawl:"+s.crawlID+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan existing keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// ControlMessage is an operator command posted to the per-crawl control
// channel.
type ControlMessage struct {
	Kind      string `json:"kind"` // addExclusion, removeExclusion, cancel, pause, resume, stop-gracefully
	SeedID    int    `json:"seedId,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// PostMessage publishes a control message for ProcessMessage to observe.
func (s *Store) PostMessage(ctx context.Context, msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.controlKey(), data).Err(); err != nil {
		return fmt.Errorf("publish control message: %w", err)
	}
	return nil
}

// ProcessMessage polls the control channel's subscription for one pending
// message, blocking up to timeout. Returns nil, nil on timeout.
func (s *Store) ProcessMessage(ctx context.Context, sub *redis.PubSub, timeout time.Duration) (*ControlMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("receive control message: %w", err)
	}

	var cm ControlMessage
	if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
		return nil, fmt.Errorf("unmarshal control message: %w", err)
	}
	return &cm, nil
}

// Subscribe returns a PubSub subscribed to this crawl's control channel.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, s.controlKey())
}
