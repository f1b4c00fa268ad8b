package config

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/pflag"
)

type by int

const (
	byDefault by = iota
	byConfig
	byFlag
)

func (b by) String() string {
	switch b {
	case byDefault:
		return "default"
	case byConfig:
		return "config"
	case byFlag:
		return "flag"
	}
	return fmt.Sprintf("by(%d)", b)
}

type variable struct {
	name string
	flg  *pflag.Flag // nil for variables which may only be set in a config file
	b    *bool       // Used when flg is nil.
	def  string
	by   by
}

func (v *variable) set(s string, b by) error {
	if v.flg != nil {
		err := v.flg.Value.Set(s)
		if err != nil {
			return err
		}
	} else {
		val, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("expected boolean value; got %s", s)
		}
		*v.b = val
	}
	v.by = b
	return nil
}

func (v *variable) String() string {
	if v.flg != nil {
		return v.flg.Value.String()
	}
	return strconv.FormatBool(*v.b)
}

// Config is a set of config variables. Each variable is either a command line flag or a hidden
// boolean; all of them can be set from a config file, but a flag set on the command line always
// wins.
type Config struct {
	vars map[string]*variable
}

func NewConfig() *Config {
	return &Config{
		vars: map[string]*variable{},
	}
}

// Flag makes the flag called name in fs a config variable.
func (c *Config) Flag(fs *pflag.FlagSet, name string) {
	flg := fs.Lookup(name)
	if flg == nil {
		panic(fmt.Sprintf("config: flag %s not found", name))
	}
	c.vars[name] = &variable{
		name: name,
		flg:  flg,
		def:  flg.DefValue,
	}
}

// Bool adds a hidden boolean config variable.
func (c *Config) Bool(b *bool, name string, def bool) {
	*b = def
	c.vars[name] = &variable{
		name: name,
		b:    b,
		def:  strconv.FormatBool(def),
	}
}

// Visit marks as set by flag every config variable whose flag was used in fs.
func (c *Config) Visit(fs *pflag.FlagSet) {
	fs.Visit(
		func(flg *pflag.Flag) {
			if v, ok := c.vars[flg.Name]; ok && v.flg != nil {
				v.by = byFlag
			}
		})
}

// Set sets a config variable as if it came from a config file.
func (c *Config) Set(name, val string) error {
	v, ok := c.vars[name]
	if !ok {
		return fmt.Errorf("config: %s is not a config variable", name)
	}
	if v.by == byFlag {
		return nil
	}
	err := v.set(val, byConfig)
	if err != nil {
		return fmt.Errorf("config: %s: %s", name, err)
	}
	return nil
}

type Value struct {
	Name  string
	By    string
	Value string
}

// Values returns all config variables, sorted by name, with where their values came from.
func (c *Config) Values() []Value {
	var vals []Value
	for _, v := range c.vars {
		vals = append(vals, Value{
			Name:  v.name,
			By:    v.by.String(),
			Value: v.String(),
		})
	}
	sort.Slice(vals, func(i, j int) bool {
		return vals[i].Name < vals[j].Name
	})
	return vals
}
