package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// alertRetention keeps a day's record well past the day itself.
const alertRetention = 60 * 24 * time.Hour

// claimScript raises last_alert_count for a day only when the new count is higher, and
// returns {claimed, previous}.
var claimScript = redis.NewScript(`
local previous = tonumber(redis.call("HGET", KEYS[1], "last_alert_count") or "0") or 0
if previous >= tonumber(ARGV[1]) then
	return {0, previous}
end
redis.call("HSET", KEYS[1],
	"last_alert_count", ARGV[1],
	"threshold", ARGV[2],
	"last_member", ARGV[3],
	"people_off", ARGV[4],
	"updated_at", ARGV[5])
redis.call("EXPIRE", KEYS[1], ARGV[6])
return {1, previous}
`)

// releaseScript puts back the previous count, unless another claim got there first.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "last_alert_count") == ARGV[1] then
	redis.call("HSET", KEYS[1], "last_alert_count", ARGV[2])
	return 1
end
return 0
`)

// Claim is a day record about to be announced.
type Claim struct {
	Day        string
	Count      int
	Threshold  int
	LastMember string
	PeopleOff  []string
}

// Store keeps one hash per day recording the largest head count already announced.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func alertKey(day string) string {
	return strings.Join([]string{"ooo", "alert", day}, ":")
}

// Claim records c when its count beats what was announced for the day. It returns the
// previous count so a failed announcement can be released.
func (s *Store) Claim(ctx context.Context, c Claim) (bool, int, error) {
	people, err := json.Marshal(c.PeopleOff)
	if err != nil {
		return false, 0, fmt.Errorf("encode people off: %w", err)
	}
	res, err := claimScript.Run(ctx, s.client, []string{alertKey(c.Day)},
		c.Count, c.Threshold, c.LastMember, string(people),
		s.now().UTC().Format(time.RFC3339), int64(alertRetention/time.Second)).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("claim alert for %s: %w", c.Day, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("claim alert for %s: unexpected reply %v", c.Day, res)
	}
	return res[0] == 1, int(res[1]), nil
}

// Release undoes a claim of count for day, restoring previous.
func (s *Store) Release(ctx context.Context, day string, count, previous int) error {
	if err := releaseScript.Run(ctx, s.client, []string{alertKey(day)}, count, previous).Err(); err != nil {
		return fmt.Errorf("release alert for %s: %w", day, err)
	}
	return nil
}
