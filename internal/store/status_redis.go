package store

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Job lifecycle states reported by /status.
const (
    StatusInQueue    = "IN_QUEUE"
    StatusInProgress = "IN_PROGRESS"
    StatusCompleted  = "COMPLETED"
    StatusFailed     = "FAILED"
    StatusCancelled  = "CANCELLED"
)

type Status struct {
    ID        string          `json:"id"`
    Status    string          `json:"status"`
    Output    json.RawMessage `json:"output,omitempty"`
    Created   *time.Time      `json:"created_at,omitempty"`
    Started   *time.Time      `json:"started_at,omitempty"`
    Completed *time.Time      `json:"completed_at,omitempty"`
}

// RedisStatus keeps one hash per job with a TTL refreshed on every write.
type RedisStatus struct {
    client *redis.Client
    keyNS  string
    ttl    time.Duration
}

func NewRedisStatus(client *redis.Client, ttl time.Duration) *RedisStatus {
    return &RedisStatus{client: client, keyNS: "job", ttl: ttl}
}

func (s *RedisStatus) key(jobID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }

func (s *RedisStatus) write(ctx context.Context, jobID string, m map[string]interface{}) error {
    pipe := s.client.TxPipeline()
    pipe.HSet(ctx, s.key(jobID), m)
    if s.ttl > 0 { pipe.Expire(ctx, s.key(jobID), s.ttl) }
    _, err := pipe.Exec(ctx)
    return err
}

// Queued records a freshly enqueued job.
func (s *RedisStatus) Queued(ctx context.Context, jobID string) error {
    return s.write(ctx, jobID, map[string]interface{}{
        "status":  StatusInQueue,
        "created": time.Now().UTC().Format(time.RFC3339Nano),
    })
}

// startScript moves a job to IN_PROGRESS unless it was cancelled first.
var startScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'started', ARGV[3])
if tonumber(ARGV[4]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[4]) end
return 1
`)

// cancelScript moves a job to CANCELLED only while it is still queued and
// returns {applied, status seen}.
var cancelScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return {0, ''} end
if cur ~= ARGV[1] then return {0, cur} end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'completed', ARGV[3])
if tonumber(ARGV[4]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[4]) end
return {1, cur}
`)

// Start marks a job as picked up by a worker. It reports false when the job
// was cancelled, in which case nothing is written.
func (s *RedisStatus) Start(ctx context.Context, jobID string) (bool, error) {
    n, err := startScript.Run(ctx, s.client, []string{s.key(jobID)},
        StatusCancelled, StatusInProgress, time.Now().UTC().Format(time.RFC3339Nano), s.ttl.Milliseconds()).Int()
    if err != nil { return false, err }
    return n == 1, nil
}

// Finished stores the job output envelope. ok selects COMPLETED or FAILED.
func (s *RedisStatus) Finished(ctx context.Context, jobID string, ok bool, output []byte) error {
    st := StatusFailed
    if ok { st = StatusCompleted }
    return s.write(ctx, jobID, map[string]interface{}{
        "status":    st,
        "output":    string(output),
        "completed": time.Now().UTC().Format(time.RFC3339Nano),
    })
}

// CancelQueued cancels a job that has not been picked up yet. It returns the
// status found (empty for an unknown job) and whether the cancel applied.
func (s *RedisStatus) CancelQueued(ctx context.Context, jobID string) (string, bool, error) {
    res, err := cancelScript.Run(ctx, s.client, []string{s.key(jobID)},
        StatusInQueue, StatusCancelled, time.Now().UTC().Format(time.RFC3339Nano), s.ttl.Milliseconds()).Slice()
    if err != nil { return "", false, err }
    if len(res) != 2 { return "", false, fmt.Errorf("unexpected cancel reply %v", res) }
    applied, _ := res[0].(int64)
    cur, _ := res[1].(string)
    if applied == 1 { return StatusCancelled, true, nil }
    return cur, false, nil
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (Status, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
    if err != nil { return Status{}, false, err }
    if len(res) == 0 { return Status{}, false, nil }
    st := Status{ID: jobID, Status: res["status"]}
    if v := res["output"]; v != "" && json.Valid([]byte(v)) {
        st.Output = json.RawMessage(v)
    }
    st.Created = parseTime(res["created"])
    st.Started = parseTime(res["started"])
    st.Completed = parseTime(res["completed"])
    return st, true, nil
}

func parseTime(v string) *time.Time {
    if v == "" { return nil }
    t, err := time.Parse(time.RFC3339Nano, v)
    if err != nil { return nil }
    return &t
}
