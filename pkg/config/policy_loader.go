package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shiftproof/engine/pkg/reward"
)

// LoadRewardPolicy loads the reward policy YAML. An empty path returns the
// default policy; a present but unreadable or malformed file is an error,
// never a silent fallback.
func LoadRewardPolicy(path string) (reward.Policy, error) {
	if path == "" {
		return reward.DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return reward.Policy{}, fmt.Errorf("load reward policy %q: %w", path, err)
	}

	policy := reward.DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return reward.Policy{}, fmt.Errorf("parse reward policy %q: %w", path, err)
	}

	if policy.WorkCompletion < 0 || policy.SignupBonus < 0 ||
		policy.ProfileBonus < 0 || policy.MonthlyPerfectAttendance < 0 {
		return reward.Policy{}, fmt.Errorf("reward policy %q: amounts must not be negative", path)
	}
	return policy, nil
}
