package config

import "os"

// ExpandEnv expands ${VAR} and $VAR references in YAML content using Go's
// standard shell-style expansion, before the document is parsed. Missing
// variables expand to the empty string; validation is responsible for
// catching any required field left empty by that.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
