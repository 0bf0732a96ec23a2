// Package description loads FDI-style XML device descriptions into a
// typed model and answers writability queries for the integration
// layer. The decoder accepts both the namespaced and unnamespaced
// forms of the same document.
package description

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/telefabric/telefabric/core"
)

// Namespace is the schema the namespaced form declares.
const Namespace = "http://www.opcfoundation.org/FDI/2011/Device"

// Identity describes the device itself.
type Identity struct {
	Type         string `json:"type"`
	Revision     string `json:"revision,omitempty"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial,omitempty"`
	Version      string `json:"version,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Range bounds a numeric parameter.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Parameter is one device parameter with its constraints.
type Parameter struct {
	Type      string   `json:"type"`
	Units     string   `json:"units,omitempty"`
	Default   string   `json:"default,omitempty"`
	Mandatory bool     `json:"mandatory"`
	Range     *Range   `json:"range,omitempty"`
	ValueMap  []string `json:"value_map,omitempty"`
}

// CommandParameter is one parameter of a command or function.
type CommandParameter struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

// Command is an invocable device command.
type Command struct {
	Description string                      `json:"description,omitempty"`
	Parameters  map[string]CommandParameter `json:"parameters,omitempty"`
}

// Function is a grouped capability with its own parameters.
type Function struct {
	Category    string                      `json:"category,omitempty"`
	Description string                      `json:"description,omitempty"`
	Parameters  map[string]CommandParameter `json:"parameters,omitempty"`
}

// Setting is one value inside a configuration template.
type Setting struct {
	Value string `json:"value"`
	Units string `json:"units,omitempty"`
}

// Template is a named configuration preset.
type Template struct {
	Description string             `json:"description,omitempty"`
	Settings    map[string]Setting `json:"settings"`
}

// DeviceDescription is the loaded document.
type DeviceDescription struct {
	Identity   Identity             `json:"identity"`
	Parameters map[string]Parameter `json:"parameters"`
	Templates  map[string]Template  `json:"configuration_templates"`
	Commands   map[string]Command   `json:"commands"`
	Functions  map[string]Function  `json:"functions"`
}

// IsWritable reports whether a parameter may be written from outside:
// true iff it appears in any command's or function's parameter list.
func (d *DeviceDescription) IsWritable(paramName string) bool {
	for _, c := range d.Commands {
		if _, ok := c.Parameters[paramName]; ok {
			return true
		}
	}
	for _, f := range d.Functions {
		if _, ok := f.Parameters[paramName]; ok {
			return true
		}
	}
	return false
}

// WritableParameters lists every writable parameter name.
func (d *DeviceDescription) WritableParameters() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(params map[string]CommandParameter) {
		for name := range params {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	for _, c := range d.Commands {
		add(c.Parameters)
	}
	for _, f := range d.Functions {
		add(f.Parameters)
	}
	return out
}

// xml decoding shadow types. Tags carry local names only, so both the
// namespaced and unnamespaced forms decode identically.

type xmlDevice struct {
	XMLName       xml.Name         `xml:"Device"`
	Identity      xmlIdentity      `xml:"DeviceIdentity"`
	Capabilities  xmlCapabilities  `xml:"DeviceCapabilities"`
	Configuration xmlConfiguration `xml:"DeviceConfiguration"`
}

type xmlIdentity struct {
	Type         string `xml:"DeviceType"`
	Revision     string `xml:"DeviceRevision"`
	Manufacturer string `xml:"DeviceManufacturer"`
	Model        string `xml:"DeviceModel"`
	Serial       string `xml:"DeviceSerialNumber"`
	Version      string `xml:"DeviceVersion"`
	Description  string `xml:"DeviceDescription"`
}

type xmlCapabilities struct {
	Parameters []xmlParameter `xml:"DeviceParameters>Parameter"`
	Functions  []xmlFunction  `xml:"DeviceFunctions>Function"`
	Commands   []xmlCommand   `xml:"DeviceCommands>Command"`
}

type xmlParameter struct {
	Name      string     `xml:"name,attr"`
	Type      string     `xml:"type,attr"`
	Units     string     `xml:"units,attr"`
	Default   string     `xml:"default,attr"`
	Mandatory string     `xml:"mandatory,attr"`
	Range     string     `xml:"range,attr"`
	Values    []xmlValue `xml:"ValueMap>Value"`
}

type xmlValue struct {
	Name string `xml:"name,attr"`
	Text string `xml:",chardata"`
}

type xmlFunction struct {
	Name        string            `xml:"name,attr"`
	Category    string            `xml:"category,attr"`
	Description string            `xml:"Description"`
	Parameters  []xmlCmdParameter `xml:"Parameters>Parameter"`
}

type xmlCommand struct {
	Name        string            `xml:"name,attr"`
	Description string            `xml:"Description"`
	Parameters  []xmlCmdParameter `xml:"Parameters>Parameter"`
}

type xmlCmdParameter struct {
	Name     string `xml:"name,attr"`
	Type     string `xml:"type,attr"`
	Required string `xml:"required,attr"`
	Default  string `xml:"default,attr"`
}

type xmlConfiguration struct {
	Templates []xmlTemplate `xml:"ConfigurationTemplates>Template"`
}

type xmlTemplate struct {
	Name        string       `xml:"name,attr"`
	Description string       `xml:"Description"`
	Settings    []xmlSetting `xml:"Settings>Setting"`
}

type xmlSetting struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Units string `xml:"units,attr"`
}

// Load reads and parses a description file.
func Load(path string) (*DeviceDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read description %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a description document.
func Parse(data []byte) (*DeviceDescription, error) {
	var doc xmlDevice
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse description: %v: %w", err, core.ErrMalformedPayload)
	}
	if doc.Identity.Type == "" && doc.Identity.Manufacturer == "" {
		return nil, fmt.Errorf("description missing device identity: %w", core.ErrMalformedPayload)
	}

	d := &DeviceDescription{
		Identity: Identity{
			Type:         doc.Identity.Type,
			Revision:     doc.Identity.Revision,
			Manufacturer: doc.Identity.Manufacturer,
			Model:        doc.Identity.Model,
			Serial:       doc.Identity.Serial,
			Version:      doc.Identity.Version,
			Description:  doc.Identity.Description,
		},
		Parameters: make(map[string]Parameter, len(doc.Capabilities.Parameters)),
		Templates:  make(map[string]Template, len(doc.Configuration.Templates)),
		Commands:   make(map[string]Command, len(doc.Capabilities.Commands)),
		Functions:  make(map[string]Function, len(doc.Capabilities.Functions)),
	}

	for _, p := range doc.Capabilities.Parameters {
		if p.Name == "" {
			continue
		}
		var values []string
		for _, v := range p.Values {
			if v.Name != "" {
				values = append(values, v.Name)
			} else if s := strings.TrimSpace(v.Text); s != "" {
				values = append(values, s)
			}
		}
		d.Parameters[p.Name] = Parameter{
			Type:      p.Type,
			Units:     p.Units,
			Default:   p.Default,
			Mandatory: parseBool(p.Mandatory),
			Range:     parseRange(p.Range),
			ValueMap:  values,
		}
	}

	for _, c := range doc.Capabilities.Commands {
		if c.Name == "" {
			continue
		}
		d.Commands[c.Name] = Command{
			Description: strings.TrimSpace(c.Description),
			Parameters:  cmdParams(c.Parameters),
		}
	}

	for _, f := range doc.Capabilities.Functions {
		if f.Name == "" {
			continue
		}
		d.Functions[f.Name] = Function{
			Category:    f.Category,
			Description: strings.TrimSpace(f.Description),
			Parameters:  cmdParams(f.Parameters),
		}
	}

	for _, t := range doc.Configuration.Templates {
		if t.Name == "" {
			continue
		}
		tpl := Template{
			Description: strings.TrimSpace(t.Description),
			Settings:    make(map[string]Setting, len(t.Settings)),
		}
		for _, s := range t.Settings {
			tpl.Settings[s.Name] = Setting{Value: s.Value, Units: s.Units}
		}
		d.Templates[t.Name] = tpl
	}

	return d, nil
}

func cmdParams(in []xmlCmdParameter) map[string]CommandParameter {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]CommandParameter, len(in))
	for _, p := range in {
		if p.Name == "" {
			continue
		}
		out[p.Name] = CommandParameter{
			Type:     p.Type,
			Required: parseBool(p.Required),
			Default:  p.Default,
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// parseRange reads "min-max". Negative bounds use the last separator
// that leaves both halves parseable.
func parseRange(s string) *Range {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for i := 1; i < len(s); i++ {
		if s[i] != '-' {
			continue
		}
		min, err1 := strconv.ParseFloat(s[:i], 64)
		max, err2 := strconv.ParseFloat(s[i+1:], 64)
		if err1 == nil && err2 == nil {
			return &Range{Min: min, Max: max}
		}
	}
	return nil
}
