package config

import (
	"fmt"
	"io/ioutil"

	"github.com/hashicorp/hcl"
)

// Load reads an HCL config file and sets the config variables it names.
func (c *Config) Load(filename string) error {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: %s", err)
	}
	return c.Decode(string(b))
}

func (c *Config) Decode(s string) error {
	var cfg map[string]interface{}

	err := hcl.Decode(&cfg, s)
	if err != nil {
		return fmt.Errorf("config: %s", err)
	}
	for name, val := range cfg {
		switch val.(type) {
		case []interface{}, []map[string]interface{}, map[string]interface{}:
			return fmt.Errorf("config: %s: expected a single value", name)
		}
		err = c.Set(name, fmt.Sprintf("%v", val))
		if err != nil {
			return err
		}
	}
	return nil
}
