// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package redisutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisClientFromURL creates a new Redis client based on the provided URL.
// The URL scheme can be either `redis` or `redis+sentinel`. An empty URL
// yields a nil client, which callers treat as "redis disabled".
func RedisClientFromURL(redisUrl string) (redis.UniversalClient, error) {
	if redisUrl == "" {
		return nil, nil
	}
	u, err := url.Parse(redisUrl)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "redis+sentinel" {
		opts, err := parseFailoverRedisUrl(u)
		if err != nil {
			return nil, err
		}
		return redis.NewFailoverClient(opts), nil
	}
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// redis+sentinel://<user>:<password>@<host1>:<port1>,<host2>:<port2>/<master_name>[/<db_number>]
func parseFailoverRedisUrl(u *url.URL) (*redis.FailoverOptions, error) {
	opts := &redis.FailoverOptions{}
	if u.User != nil {
		opts.SentinelUsername = u.User.Username()
		opts.SentinelPassword, _ = u.User.Password()
	}
	for _, host := range strings.Split(u.Host, ",") {
		h, port, err := net.SplitHostPort(host)
		if err != nil {
			h, port = host, ""
		}
		if h == "" {
			h = "localhost"
		}
		if port == "" {
			port = "6379"
		}
		opts.SentinelAddrs = append(opts.SentinelAddrs, net.JoinHostPort(h, port))
	}
	path := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	switch len(path) {
	case 0:
		return nil, errors.New("redis: master name is required")
	case 1:
		opts.MasterName = path[0]
	case 2:
		opts.MasterName = path[0]
		db, err := strconv.Atoi(path[1])
		if err != nil {
			return nil, fmt.Errorf("redis: invalid database number: %q", path[1])
		}
		opts.DB = db
	default:
		return nil, fmt.Errorf("redis: invalid URL path: %s", u.Path)
	}
	if len(u.Query()) > 0 {
		return nil, fmt.Errorf("redis: query options are not supported for sentinel urls: %s", u.RawQuery)
	}
	return opts, nil
}
