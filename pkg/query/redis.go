package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
)

// RedisConfig selects a Redis database, typically a SONiC APPL_DB (0) or
// STATE_DB (6) fed by fpmsyncd.
type RedisConfig struct {
	Addr string
	DB   int
	// Dialer overrides the TCP dial, e.g. to tunnel through runner.SSH.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Redis answers a small command language against one database:
//
//	HGETALL <key>      hash as a mapping
//	GET <key>          string value, null when missing
//	KEYS <pattern>     sorted key list
//	TABLE <pattern>    every matching hash, keyed by its full key
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis querier. The connection is opened lazily.
func NewRedis(cfg RedisConfig) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:   cfg.Addr,
		DB:     cfg.DB,
		Dialer: cfg.Dialer,
	})}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisCommand struct {
	verb string
	arg  string
}

func parseRedisCommand(cmd string) (redisCommand, error) {
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		return redisCommand{}, fmt.Errorf("%q: %w: want \"<VERB> <key>\"", cmd, ErrUnknownCommand)
	}
	c := redisCommand{verb: strings.ToUpper(fields[0]), arg: fields[1]}
	switch c.verb {
	case "HGETALL", "GET", "KEYS", "TABLE":
		return c, nil
	}
	return redisCommand{}, fmt.Errorf("%q: %w: verb %s", cmd, ErrUnknownCommand, fields[0])
}

// JSON runs cmd and returns the result as a value.
func (r *Redis) JSON(ctx context.Context, cmd string) (jsoncmp.Value, error) {
	c, err := parseRedisCommand(cmd)
	if err != nil {
		return nil, err
	}

	switch c.verb {
	case "HGETALL":
		h, err := r.client.HGetAll(ctx, c.arg).Result()
		if err != nil {
			return nil, fmt.Errorf("HGETALL %s: %w", c.arg, err)
		}
		return hashValue(h), nil

	case "GET":
		s, err := r.client.Get(ctx, c.arg).Result()
		if errors.Is(err, redis.Nil) {
			return jsoncmp.Null{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", c.arg, err)
		}
		return jsoncmp.String(s), nil

	case "KEYS":
		keys, err := r.keys(ctx, c.arg)
		if err != nil {
			return nil, err
		}
		seq := make(jsoncmp.Sequence, len(keys))
		for i, k := range keys {
			seq[i] = jsoncmp.String(k)
		}
		return seq, nil

	default: // TABLE
		keys, err := r.keys(ctx, c.arg)
		if err != nil {
			return nil, err
		}
		table := jsoncmp.Mapping{}
		for _, k := range keys {
			h, err := r.client.HGetAll(ctx, k).Result()
			if err != nil {
				return nil, fmt.Errorf("HGETALL %s: %w", k, err)
			}
			table[k] = hashValue(h)
		}
		return table, nil
	}
}

// Command runs cmd and returns the result encoded as JSON.
func (r *Redis) Command(ctx context.Context, cmd string) (string, error) {
	v, err := r.JSON(ctx, cmd)
	if err != nil {
		return "", err
	}
	return jsoncmp.Format(v, 0), nil
}

func (r *Redis) keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("KEYS %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func hashValue(h map[string]string) jsoncmp.Mapping {
	m := make(jsoncmp.Mapping, len(h))
	for k, v := range h {
		m[k] = jsoncmp.String(v)
	}
	return m
}
