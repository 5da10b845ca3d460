package pipeline

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envRef = regexp.MustCompile(`\$\$\{|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ReplaceEnvRefs substitutes ${NAME} with the value of the environment
// variable NAME (empty when unset). $${ escapes a literal ${.
func ReplaceEnvRefs(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		if m == "$${" {
			return "${"
		}
		return os.Getenv(m[2 : len(m)-1])
	})
}

// ExpandEnv applies ReplaceEnvRefs to every string scalar under node.
// Mapping keys are left alone.
func ExpandEnv(node *yaml.Node) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range node.Content {
			ExpandEnv(c)
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			ExpandEnv(node.Content[i])
		}
	case yaml.ScalarNode:
		if node.Tag == "!!str" || node.Tag == "" {
			node.Value = ReplaceEnvRefs(node.Value)
		}
	}
}
