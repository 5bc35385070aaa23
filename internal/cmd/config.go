package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Alia5/vhcibridge/internal/configpaths"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a configuration file for a specific command.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"sim"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

type templateFormat struct {
	ext     string
	marshal func(v any) ([]byte, error)
}

var templateFormats = map[string]templateFormat{
	"json": {ext: "json", marshal: func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }},
	"yaml": {ext: "yaml", marshal: yaml.Marshal},
	"yml":  {ext: "yaml", marshal: yaml.Marshal},
	"toml": {ext: "toml", marshal: toml.Marshal},
}

// commands a template can be generated for, keyed by their CLI name
var templateCommands = map[string]reflect.Type{
	"sim": reflect.TypeFor[Sim](),
}

// Run writes a template holding every flag of the command with its default.
func (c *ConfigInit) Run(logger *slog.Logger) error {
	format, ok := templateFormats[strings.ToLower(c.Format)]
	if !ok {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}
	cmdType, ok := templateCommands[c.Command]
	if !ok {
		return fmt.Errorf("unknown command %q; expected one of %s",
			c.Command, strings.Join(slices.Sorted(maps.Keys(templateCommands)), ", "))
	}

	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + format.ext
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists; use --force to overwrite", dest)
		}
	}

	data, err := renderTemplate(format, cmdType)
	if err != nil {
		return fmt.Errorf("render %s template: %w", c.Command, err)
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	logger.Info("wrote config template", "command", c.Command, "path", dest)
	return nil
}

func renderTemplate(format templateFormat, cmdType reflect.Type) ([]byte, error) {
	return format.marshal(flagDefaults(cmdType))
}

// flagDefaults maps every flag of a kong command struct to its default.
// Embedded groups become nested sections named after their prefix; groups
// without a prefix are flattened.
func flagDefaults(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			sub := flagDefaults(f.Type)
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
			} else {
				maps.Copy(out, sub)
			}
			continue
		}
		if v, ok := defaultValue(f.Type, f.Tag.Get("default")); ok {
			out[flagKey(f.Name)] = v
		}
	}
	return out
}

func flagKey(field string) string {
	if field == "" {
		return field
	}
	r := []rune(field)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

var durationType = reflect.TypeFor[time.Duration]()

// defaultValue parses def as a value of type t. Unparsable defaults fall
// back to the zero value; kinds a template cannot express report false.
func defaultValue(t reflect.Type, def string) (any, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == durationType {
		if def == "" {
			def = "0s"
		}
		return def, true
	}

	switch t.Kind() {
	case reflect.String:
		return def, true
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(def, 0, t.Bits())
		return orZero(n, err), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(def, 0, t.Bits())
		return orZero(n, err), true
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(def, t.Bits())
		return orZero(n, err), true
	case reflect.Slice:
		items := []any{}
		if def == "" {
			return items, true
		}
		for part := range strings.SplitSeq(def, ",") {
			if v, ok := defaultValue(t.Elem(), strings.TrimSpace(part)); ok {
				items = append(items, v)
			}
		}
		return items, true
	case reflect.Struct:
		return flagDefaults(t), true
	}
	return nil, false
}

func orZero[T int64 | uint64 | float64](v T, err error) T {
	if err != nil {
		return 0
	}
	return v
}
