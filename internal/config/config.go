package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskmesh.yml. Scoring weights and thresholds live here rather
// than as literals so the matching and reputation engines stay testable
// against alternative weightings.
type Config struct {
	Node struct {
		ID      string `yaml:"id"`
		KeyPath string `yaml:"key_path"`
	} `yaml:"node"`

	Matching struct {
		TopN                int     `yaml:"top_n"`
		MinScore            float64 `yaml:"min_score"`
		CategoryWeight      float64 `yaml:"category_weight"`
		ComplexityWeight    float64 `yaml:"complexity_weight"`
		AgeWeight           float64 `yaml:"age_weight"`
		AgeCapHours         float64 `yaml:"age_cap_hours"`
		ReputationBonus     float64 `yaml:"reputation_bonus"`
		ReputationThreshold float64 `yaml:"reputation_threshold"`
	} `yaml:"matching"`

	Reputation struct {
		SuccessWeight    float64 `yaml:"success_weight"`
		ComplexityWeight float64 `yaml:"complexity_weight"`
		SpeedWeight      float64 `yaml:"speed_weight"`
		FeedbackWeight   float64 `yaml:"feedback_weight"`
		SpeedNormSeconds float64 `yaml:"speed_norm_seconds"`
	} `yaml:"reputation"`

	Dialog struct {
		ConsensusThreshold float64       `yaml:"consensus_threshold"`
		MinParticipants    int           `yaml:"min_participants"`
		MaxParticipants    int           `yaml:"max_participants"`
		StallTimeout       time.Duration `yaml:"stall_timeout"`
		MaxCritiqueRounds  int           `yaml:"max_critique_rounds"`
	} `yaml:"dialog"`

	Transform struct {
		DecomposeThreshold  int           `yaml:"decompose_threshold"`
		SimilarityThreshold float64       `yaml:"similarity_threshold"`
		MergeWindow         time.Duration `yaml:"merge_window"`
	} `yaml:"transform"`

	Federation struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxHops        int           `yaml:"max_hops"`
		PushPerMinute  int           `yaml:"push_per_minute"`
	} `yaml:"federation"`

	Tasks struct {
		ClaimTimeout time.Duration `yaml:"claim_timeout"`
		DefaultTTL   time.Duration `yaml:"default_ttl"`
		ArchiveAfter time.Duration `yaml:"archive_after"`
	} `yaml:"tasks"`

	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowAgentHeader bool   `yaml:"allow_agent_header"`
	} `yaml:"auth"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tm init or pass --node-id", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskmesh.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config.node.id is required")
	}
	if c.Matching.TopN <= 0 {
		return fmt.Errorf("config.matching.top_n must be positive")
	}
	if c.Matching.MinScore < 0 || c.Matching.MinScore > 1 {
		return fmt.Errorf("config.matching.min_score must be in [0,1]")
	}
	wsum := c.Reputation.SuccessWeight + c.Reputation.ComplexityWeight + c.Reputation.SpeedWeight + c.Reputation.FeedbackWeight
	if wsum <= 0 {
		return fmt.Errorf("config.reputation weights must sum to a positive value")
	}
	if c.Dialog.ConsensusThreshold <= 0 || c.Dialog.ConsensusThreshold > 1 {
		return fmt.Errorf("config.dialog.consensus_threshold must be in (0,1]")
	}
	if c.Dialog.MinParticipants < 3 || c.Dialog.MaxParticipants > 7 || c.Dialog.MinParticipants > c.Dialog.MaxParticipants {
		return fmt.Errorf("config.dialog participants must satisfy 3 <= min <= max <= 7")
	}
	if c.Transform.DecomposeThreshold < 1 {
		return fmt.Errorf("config.transform.decompose_threshold must be >= 1")
	}
	if c.Transform.SimilarityThreshold <= 0 || c.Transform.SimilarityThreshold > 1 {
		return fmt.Errorf("config.transform.similarity_threshold must be in (0,1]")
	}
	if c.Federation.MaxHops < 1 {
		return fmt.Errorf("config.federation.max_hops must be >= 1")
	}
	if c.Tasks.ClaimTimeout <= 0 {
		return fmt.Errorf("config.tasks.claim_timeout must be positive")
	}
	return nil
}

// Default returns the default Config for a node.
func Default(nodeID string) *Config {
	var c Config
	c.Node.ID = nodeID
	c.Node.KeyPath = "node.key"

	c.Matching.TopN = 10
	c.Matching.MinScore = 0.1
	c.Matching.CategoryWeight = 0.5
	c.Matching.ComplexityWeight = 0.2
	c.Matching.AgeWeight = 0.15
	c.Matching.AgeCapHours = 24
	c.Matching.ReputationBonus = 0.15
	c.Matching.ReputationThreshold = 0.7

	c.Reputation.SuccessWeight = 0.4
	c.Reputation.ComplexityWeight = 0.3
	c.Reputation.SpeedWeight = 0.2
	c.Reputation.FeedbackWeight = 0.1
	c.Reputation.SpeedNormSeconds = 86400

	c.Dialog.ConsensusThreshold = 0.66
	c.Dialog.MinParticipants = 3
	c.Dialog.MaxParticipants = 7
	c.Dialog.StallTimeout = 30 * time.Minute
	c.Dialog.MaxCritiqueRounds = 5

	c.Transform.DecomposeThreshold = 3
	c.Transform.SimilarityThreshold = 0.85
	c.Transform.MergeWindow = 24 * time.Hour

	c.Federation.PollInterval = 10 * time.Minute
	c.Federation.RequestTimeout = 30 * time.Second
	c.Federation.MaxHops = 4
	c.Federation.PushPerMinute = 60

	c.Tasks.ClaimTimeout = 2 * time.Hour
	c.Tasks.DefaultTTL = 7 * 24 * time.Hour
	c.Tasks.ArchiveAfter = 24 * time.Hour

	c.Auth.AllowAgentHeader = true
	return &c
}

// Write persists the config as YAML into the workspace.
func (c *Config) Write(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}
