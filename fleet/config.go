package fleet

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
)

// Config collects everything the controller needs that is not derivable at
// runtime. A JSON config file can override any subset of the defaults.
type Config struct {
	// Nodes is the fleet-wide target instance count, distributed over the
	// catalog round-robin.
	Nodes int

	// Regions overrides the default region catalog. Keys are region ids,
	// values display names. Regions are ordered by id when overridden.
	Regions map[string]string

	InstanceType    string
	KeyName         string
	KeyPath         string
	SecurityGroup   string
	InstanceProfile string
	ServicePort     int

	PollIntervalSec int

	WorkloadScript  string
	WorkloadBinary  string
	WorkloadProcess string
	RemoteLogFiles  []string
	RemoteDataDirs  []string
	LogRoot         string
	HostsPath       string

	MinWorkloadVersion string
	UserDataPath       string
}

func DefaultConfig() *Config {
	return &Config{
		Nodes:           16,
		InstanceType:    "t2.micro",
		KeyName:         "fleetbench",
		KeyPath:         os.ExpandEnv("$HOME/.ssh/fleetbench.pem"),
		SecurityGroup:   "fleetbench",
		InstanceProfile: "fleetbench-agent",
		ServicePort:     8333,
		PollIntervalSec: 5,
		WorkloadScript:  "/home/ec2-user/main.sh",
		WorkloadBinary:  "/home/ec2-user/benchd",
		WorkloadProcess: "benchd",
		RemoteLogFiles:  []string{"/home/ec2-user/main.log", "/home/ec2-user/stats.csv"},
		RemoteDataDirs:  []string{"/home/ec2-user/.local/share/benchd/"},
		LogRoot:         "log",
		HostsPath:       "nodes.txt",
	}
}

// LoadConfig reads a JSON config file on top of the defaults. Keys absent
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := mapstructure.Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("can't convert %s to Config: %w", path, err)
	}
	return cfg, nil
}

// Catalog builds the region catalog described by the config.
func (c *Config) Catalog() *Catalog {
	if len(c.Regions) == 0 {
		return DefaultCatalog()
	}
	regions := []Region{}
	for _, id := range sortedRegions(c.Regions) {
		regions = append(regions, Region{ID: id, Name: c.Regions[id]})
	}
	return NewCatalog(regions...)
}
