package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	TestEnv        Environment = "test"
	ProductionEnv  Environment = "production"
)

// ParseEnvironment validates the value given by the --env flag
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(s); env {
	case DevelopmentEnv, TestEnv, ProductionEnv:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment %q: expected development, test or production", s)
	}
}

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}
