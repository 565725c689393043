package capability

// ToolConfig enables a category and its individual operations.
type ToolConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Operations map[string]bool `mapstructure:"operations" yaml:"operations" json:"operations"`
}

// EnabledOperations returns the enabled operation ids of info, in catalog
// order, or nothing when the category is disabled.
func (c ToolConfig) EnabledOperations(info Info) []string {
	if !c.Enabled {
		return nil
	}
	var ops []string
	for _, op := range info.Operations {
		if c.Operations[op.ID] {
			ops = append(ops, op.ID)
		}
	}
	return ops
}

// ToolsSettings is the tools section of the configuration file.
type ToolsSettings struct {
	SetupCompleted bool       `mapstructure:"setup_completed" yaml:"setup_completed" json:"setup_completed"`
	Snowflake      ToolConfig `mapstructure:"snowflake" yaml:"snowflake" json:"snowflake"`
	GitHub         ToolConfig `mapstructure:"github" yaml:"github" json:"github"`
	Pinecone       ToolConfig `mapstructure:"pinecone" yaml:"pinecone" json:"pinecone"`
}

// For returns the configuration of category c.
func (s ToolsSettings) For(c Category) ToolConfig {
	switch c {
	case Snowflake:
		return s.Snowflake
	case GitHub:
		return s.GitHub
	case Pinecone:
		return s.Pinecone
	}
	return ToolConfig{}
}

// EnableAll returns settings with every category and operation turned on.
func EnableAll() ToolsSettings {
	all := func(c Category) ToolConfig {
		info, _ := Lookup(c)
		ops := make(map[string]bool, len(info.Operations))
		for _, op := range info.Operations {
			ops[op.ID] = true
		}
		return ToolConfig{Enabled: true, Operations: ops}
	}
	return ToolsSettings{
		SetupCompleted: true,
		Snowflake:      all(Snowflake),
		GitHub:         all(GitHub),
		Pinecone:       all(Pinecone),
	}
}

// Registry answers which categories and operations are enabled.
type Registry struct {
	settings ToolsSettings
}

func NewRegistry(settings ToolsSettings) *Registry {
	return &Registry{settings: settings}
}

func (r *Registry) Settings() ToolsSettings {
	return r.settings
}

func (r *Registry) IsCategoryEnabled(c Category) bool {
	return r.settings.For(c).Enabled
}

// IsOperationEnabled reports whether op is enabled and its category is too.
func (r *Registry) IsOperationEnabled(op string) bool {
	c, ok := CategoryOf(op)
	if !ok {
		return false
	}
	cfg := r.settings.For(c)
	return cfg.Enabled && cfg.Operations[op]
}

// EnabledCategories returns the enabled categories in catalog order.
func (r *Registry) EnabledCategories() []Category {
	var out []Category
	for _, c := range Categories {
		if r.IsCategoryEnabled(c) {
			out = append(out, c)
		}
	}
	return out
}

// EnabledOperations returns every enabled operation id in catalog order.
func (r *Registry) EnabledOperations() []string {
	var ops []string
	for _, info := range catalog {
		ops = append(ops, r.settings.For(info.Category).EnabledOperations(info)...)
	}
	return ops
}

// MissingConfig returns the required configuration keys of c that are
// empty in values.
func MissingConfig(c Category, values map[string]string) []string {
	info, ok := Lookup(c)
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range info.RequiredConfig {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
