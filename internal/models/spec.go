package models

// Spec is the declarative experiment definition loaded from YAML.
type Spec struct {
	Name        string        `yaml:"name" validate:"required"`
	Description string        `yaml:"description"`
	Seed        int64         `yaml:"seed"`
	Modes       []Mode        `yaml:"modes" validate:"required,min=1,unique,dive,oneof=deliberative executive"`
	Judges      []JudgeDef    `yaml:"judges" validate:"required,min=1,unique=ID,dive"`
	Scenarios   []ScenarioDef `yaml:"scenarios" validate:"required,min=1,unique=ID,dive"`
	Sampling    *Sampling     `yaml:"sampling"`
	Settings    *Settings     `yaml:"settings"`

	// Dir is the directory the spec was loaded from; scenario scripts resolve against it.
	Dir string `yaml:"-"`
}

type JudgeDef struct {
	ID          string   `yaml:"id" validate:"required"`
	Provider    string   `yaml:"provider" validate:"omitempty,oneof=openai static"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Temperature *float64 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
}

type ScenarioDef struct {
	ID        string              `yaml:"id" validate:"required"`
	Template  string              `yaml:"template"`
	Script    string              `yaml:"script"`
	Options   []OptionDef         `yaml:"options" validate:"omitempty,unique=ID,dive"`
	Variables map[string][]string `yaml:"variables" validate:"dive,min=1,unique"`
}

type OptionDef struct {
	ID   string `yaml:"id" validate:"required"`
	Text string `yaml:"text" validate:"required"`
}

type Sampling struct {
	// PerScenario caps variations per scenario by seeded sampling. Zero disables sampling.
	PerScenario int `yaml:"per_scenario" validate:"gte=0"`
	// MaxVariations is the runaway guard applied when sampling is disabled.
	MaxVariations int `yaml:"max_variations" validate:"gte=0"`
}

type Settings struct {
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=64"`
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0,lte=10"`
}
