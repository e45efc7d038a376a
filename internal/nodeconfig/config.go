// Package nodeconfig is the node's runtime configuration surface:
// viper-backed, with a single Config struct carrying mapstructure tags
// and a package-level AppConfig populated by Load. File layout and flag
// parsing belong to the deployment, not this package.
package nodeconfig

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/icn-network/icn-node/internal/icnerr"
)

// Config is the unified runtime configuration for an ICN node.
type Config struct {
	Node struct {
		Federation   string `mapstructure:"federation" json:"federation"`
		ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr"`
		DataDir      string `mapstructure:"data_dir" json:"data_dir"`
		DiscoveryTag string `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"node" json:"node"`

	Governance struct {
		UseWeightedVoting      bool    `mapstructure:"use_weighted_voting" json:"use_weighted_voting"`
		QuorumPercentage       float64 `mapstructure:"quorum_percentage" json:"quorum_percentage"`
		ApprovalPercentage     float64 `mapstructure:"approval_percentage" json:"approval_percentage"`
		MinProposalReputation  float64 `mapstructure:"min_proposal_reputation" json:"min_proposal_reputation"`
		MinVotingReputation    float64 `mapstructure:"min_voting_reputation" json:"min_voting_reputation"`
		DefaultVotingPeriodSecs int    `mapstructure:"default_voting_period_secs" json:"default_voting_period_secs"`
	} `mapstructure:"governance" json:"governance"`

	Consensus struct {
		SelectionStrategy    string  `mapstructure:"selection_strategy" json:"selection_strategy"`
		CommitteeSize        int     `mapstructure:"committee_size" json:"committee_size"`
		RotationIntervalSecs int     `mapstructure:"rotation_interval_secs" json:"rotation_interval_secs"`
		MinReputation        float64 `mapstructure:"min_reputation" json:"min_reputation"`
		ConsensusThreshold   float64 `mapstructure:"consensus_threshold" json:"consensus_threshold"`
		ConsensusTimeoutSecs int     `mapstructure:"consensus_timeout_secs" json:"consensus_timeout_secs"`
		FederationAware      bool    `mapstructure:"federation_aware" json:"federation_aware"`
	} `mapstructure:"consensus" json:"consensus"`

	Network struct {
		PriorityMode            string  `mapstructure:"priority_mode" json:"priority_mode"`
		MaxQueueSize            int     `mapstructure:"max_queue_size" json:"max_queue_size"`
		DropLowPriorityWhenFull bool    `mapstructure:"drop_low_priority_when_full" json:"drop_low_priority_when_full"`
		BanThreshold            float64 `mapstructure:"ban_threshold" json:"ban_threshold"`
		DecayRate               float64 `mapstructure:"decay_rate" json:"decay_rate"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		BackendPath string `mapstructure:"backend_path" json:"backend_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns the configuration used when no config file is present —
// the node must still start with sane defaults.
func Default() Config {
	var c Config
	c.Node.Federation = "local"
	c.Node.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Node.DataDir = "./data"
	c.Node.DiscoveryTag = "icn-node"
	c.Governance.QuorumPercentage = 0.51
	c.Governance.ApprovalPercentage = 0.51
	c.Governance.DefaultVotingPeriodSecs = 7 * 24 * 3600
	c.Consensus.SelectionStrategy = "ReputationBased"
	c.Consensus.CommitteeSize = 7
	c.Consensus.RotationIntervalSecs = 60
	c.Consensus.ConsensusThreshold = 0.67
	c.Consensus.ConsensusTimeoutSecs = 30
	c.Network.PriorityMode = "ReputationBased"
	c.Network.MaxQueueSize = 1000
	c.Network.DropLowPriorityWhenFull = true
	c.Network.BanThreshold = -10
	c.Network.DecayRate = 0.5
	c.Storage.BackendPath = "./data/icn.db"
	c.Logging.Level = "info"
	return c
}

// Load reads default.yaml from the given search paths, merges an optional
// env-specific overlay, then environment variables, into AppConfig.
func Load(env string, searchPaths ...string) (*Config, error) {
	AppConfig = Default()

	v := viper.New()
	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if len(searchPaths) == 0 {
		searchPaths = []string{"config", "."}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, icnerr.Wrap(icnerr.Internal, "load config", err)
		}
	} else if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, fmt.Sprintf("merge %s config", env), err)
		}
	}

	v.AutomaticEnv()
	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "unmarshal config", err)
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ICN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(envOrDefault("ICN_ENV", ""))
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
