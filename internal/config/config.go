// Package config loads the controller's environment-variable configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds every tunable recognized by the controller (spec §6).
type Config struct {
	CoordAddr         string
	CoordPassword     string
	CoordDB           int
	CoordClusterNodes []string

	DocStoreURI string

	GameServerBaseURL  string
	BotServiceSecret   string

	InstanceID string

	LeaderTTL              time.Duration
	DeployCheckInterval    time.Duration
	QueuePruneInterval     time.Duration
	DeployDelay            time.Duration
	InitialJoinDelay       time.Duration
	ExtraBotWaitThreshold  time.Duration
	HealthPort             int
}

const (
	defaultLeaderTTL             = 15 * time.Second
	minLeaderTTL                 = 5 * time.Second
	defaultDeployCheckInterval   = 5 * time.Second
	minDeployCheckInterval       = 2 * time.Second
	defaultQueuePruneInterval    = 30 * time.Second
	minQueuePruneInterval        = 5 * time.Second
	defaultDeployDelay           = 200 * time.Millisecond
	defaultInitialJoinDelay      = 250 * time.Millisecond
	defaultExtraBotWaitThreshold = 15 * time.Second
	defaultHealthPort            = 3000
)

// Load reads configuration from the environment, applying defaults and
// failing fast (Fatal, spec §7) when a required key is missing.
func Load() *Config {
	cfg := &Config{
		CoordAddr:         getenv("COORD_ADDR", "localhost:6379"),
		CoordPassword:     os.Getenv("COORD_PASSWORD"),
		CoordDB:           getenvInt("COORD_DB", 0),
		CoordClusterNodes: getenvCSV("COORD_CLUSTER_NODES"),

		DocStoreURI: requireEnv("DOC_STORE_URI"),

		GameServerBaseURL: requireEnv("GAME_SERVER_URL"),
		BotServiceSecret:  os.Getenv("BOT_SERVICE_SECRET"),

		InstanceID: getenv("INSTANCE_ID", "bot-ctrl-"+uuid.NewString()),

		LeaderTTL:             clampMin(getenvDuration("LEADER_TTL_MS", defaultLeaderTTL), minLeaderTTL),
		DeployCheckInterval:   clampMin(getenvDuration("DEPLOY_CHECK_INTERVAL_MS", defaultDeployCheckInterval), minDeployCheckInterval),
		QueuePruneInterval:    clampMin(getenvDuration("QUEUE_PRUNE_INTERVAL_MS", defaultQueuePruneInterval), minQueuePruneInterval),
		DeployDelay:           getenvDuration("DEPLOY_DELAY_MS", defaultDeployDelay),
		InitialJoinDelay:      getenvDuration("INITIAL_JOIN_DELAY_MS", defaultInitialJoinDelay),
		ExtraBotWaitThreshold: getenvDuration("EXTRA_BOT_WAIT_THRESHOLD_MS", defaultExtraBotWaitThreshold),
		HealthPort:            getenvInt("HEALTH_PORT", defaultHealthPort),
	}

	log.Printf("config: loaded (instance=%s leaderTTL=%v deployInterval=%v pruneInterval=%v)",
		cfg.InstanceID, cfg.LeaderTTL, cfg.DeployCheckInterval, cfg.QueuePruneInterval)

	return cfg
}

func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("config: required environment variable %s is not set", key)
	}
	return val
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getenvCSV splits a comma-separated env var, trimming whitespace and
// dropping empty entries. Returns nil (not set, or empty) so callers can
// treat a nil/empty slice as "use the single-node client".
func getenvCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	nodes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

func getenvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d", key, val, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("config: invalid duration (ms) for %s=%q, using default %v", key, val, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func clampMin(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// String implements fmt.Stringer for debug logging, redacting secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{instance=%s coord=%s gameServer=%s leaderTTL=%v}",
		c.InstanceID, c.CoordAddr, c.GameServerBaseURL, c.LeaderTTL)
}
