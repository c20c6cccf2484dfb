package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/treble-h/txsched/sign"
	"go.dedis.ch/kyber/v3/share"
)

type Config struct {
	AddrStr   string
	ReplicaId uint32

	MyPrivateKey ed25519.PrivateKey

	TsPriKey    *share.PriShare
	TsPubKey    *share.PubPoly
	TsThreshold int
	ClusterSize int

	P2PListenPort     int
	MetricsListenPort int

	BatchTimeout   int // ms an open round waits before it is finalized
	BatchSize      int // batches per round
	WorkerPoolSize int
	RequestTimeout int // ms

	LogLevel    string
	StateDBPath string
}

func New(addrStr string, replicaId uint32, myPrivateKey ed25519.PrivateKey, tsPriKey *share.PriShare,
	tsPubKey *share.PubPoly, tsThreshold, clusterSize int, p2PListenPort, metricsListenPort int,
	batchTimeout, batchSize, workerPoolSize, requestTimeout int, logLevel, stateDBPath string) *Config {
	return &Config{
		AddrStr:   addrStr,
		ReplicaId: replicaId,

		MyPrivateKey: myPrivateKey,
		TsPriKey:     tsPriKey,
		TsPubKey:     tsPubKey,
		TsThreshold:  tsThreshold,
		ClusterSize:  clusterSize,

		P2PListenPort:     p2PListenPort,
		MetricsListenPort: metricsListenPort,
		BatchTimeout:      batchTimeout,
		BatchSize:         batchSize,
		WorkerPoolSize:    workerPoolSize,
		RequestTimeout:    requestTimeout,
		LogLevel:          logLevel,
		StateDBPath:       stateDBPath,
	}
}

// RoundTimeout is BatchTimeout as a duration.
func (c *Config) RoundTimeout() time.Duration {
	return time.Duration(c.BatchTimeout) * time.Millisecond
}

// RequestTimeoutDuration is RequestTimeout as a duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", "127.0.0.1")
	v.SetDefault("p2p_listen_port", 8000)
	v.SetDefault("metrics_listen_port", 0)
	v.SetDefault("batchtimeout", 500)
	v.SetDefault("batchsize", 16)
	v.SetDefault("worker_pool_size", 64)
	v.SetDefault("request_timeout", 5000)
	v.SetDefault("log_level", "info")
	v.SetDefault("state_db_path", "./statedb")
	v.SetDefault("ts_threshold", 1)
	v.SetDefault("cluster_size", 1)
}

// LoadConfig reads configName from the given paths (the working directory
// when none is given). Every key can be overridden by an environment
// variable named <PREFIX>_<KEY>.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()
	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	setDefaults(viperConfig)

	viperConfig.SetConfigName(configName)
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("ed_prikey"))
	if err != nil {
		return nil, errors.Wrap(err, "decode ed_prikey")
	}
	if len(privKeyED) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("ed_prikey has length %d, want %d", len(privKeyED), ed25519.PrivateKeySize)
	}

	tsPubKeyAsBytes, err := hex.DecodeString(viperConfig.GetString("tspubkey"))
	if err != nil {
		return nil, errors.Wrap(err, "decode tspubkey")
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsBytes, err := hex.DecodeString(viperConfig.GetString("tsshare"))
	if err != nil {
		return nil, errors.Wrap(err, "decode tsshare")
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		AddrStr:      viperConfig.GetString("address"),
		ReplicaId:    uint32(viperConfig.GetInt("replicaid")),
		MyPrivateKey: privKeyED,
		TsPriKey:     tsShareKey,
		TsPubKey:     tsPubKey,
		TsThreshold:  viperConfig.GetInt("ts_threshold"),
		ClusterSize:  viperConfig.GetInt("cluster_size"),

		P2PListenPort:     viperConfig.GetInt("p2p_listen_port"),
		MetricsListenPort: viperConfig.GetInt("metrics_listen_port"),
		BatchTimeout:      viperConfig.GetInt("batchtimeout"),
		BatchSize:         viperConfig.GetInt("batchsize"),
		WorkerPoolSize:    viperConfig.GetInt("worker_pool_size"),
		RequestTimeout:    viperConfig.GetInt("request_timeout"),
		LogLevel:          viperConfig.GetString("log_level"),
		StateDBPath:       viperConfig.GetString("state_db_path"),
	}

	if conf.BatchSize <= 0 {
		return nil, errors.Errorf("batchsize must be positive, got %d", conf.BatchSize)
	}
	if conf.RequestTimeout <= 0 {
		return nil, errors.Errorf("request_timeout must be positive, got %d", conf.RequestTimeout)
	}
	if conf.TsThreshold <= 0 || conf.TsThreshold > conf.ClusterSize {
		return nil, errors.Errorf("ts_threshold %d out of range for cluster_size %d", conf.TsThreshold, conf.ClusterSize)
	}

	return conf, nil
}
