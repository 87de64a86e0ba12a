package core

import "sync"

// Constant is a firmware constant exposed to the host
type Constant struct {
	Name  string
	Value interface{}
}

// Enumeration maps names to consecutive values, e.g. pin names to pin numbers
type Enumeration struct {
	Name   string
	Values []string // index is the value; empty entries are skipped
}

// Dictionary is the JSON data dictionary the host reads with identify.
type Dictionary struct {
	mu            sync.RWMutex
	constants     map[string]*Constant
	enumerations  map[string]*Enumeration
	commandReg    *CommandRegistry
	version       string
	buildVersions string
	cached        []byte
}

var globalDictionary = NewDictionary(globalRegistry)

func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:     make(map[string]*Constant),
		enumerations:  make(map[string]*Enumeration),
		commandReg:    cmdReg,
		version:       "hybridpwm-0.1.0",
		buildVersions: "go",
	}
}

func GetGlobalDictionary() *Dictionary {
	return globalDictionary
}

// RegisterConstant registers a constant in the global dictionary
func RegisterConstant(name string, value interface{}) {
	globalDictionary.AddConstant(name, value)
}

// RegisterEnumeration registers an enumeration in the global dictionary
func RegisterEnumeration(name string, values []string) {
	globalDictionary.AddEnumeration(name, values)
}

func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = &Constant{Name: name, Value: value}
	d.cached = nil
}

func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// TinyGo's GC may reclaim the caller's slice
	valuesCopy := make([]string, len(values))
	copy(valuesCopy, values)
	d.enumerations[name] = &Enumeration{Name: name, Values: valuesCopy}
	d.cached = nil
}

func (d *Dictionary) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
	d.cached = nil
}

func (d *Dictionary) SetBuildVersions(versions string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildVersions = versions
	d.cached = nil
}

// Generate returns the dictionary JSON, building it on first use. Commands
// registered later invalidate nothing, so call Reset after late registration.
func (d *Dictionary) Generate() []byte {
	// fetch commands before taking our lock, the registry has its own
	commands := d.commandReg.Commands()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		d.cached = d.build(commands)
	}
	return d.cached
}

// Reset drops the cached JSON.
func (d *Dictionary) Reset() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			buf = append(buf, '\\', c)
		case c < 0x20:
			const hex = "0123456789abcdef"
			buf = append(buf, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xF])
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}

// build renders the JSON. Caller holds d.mu.
func (d *Dictionary) build(commands []*Command) []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, `{"version":`...)
	buf = appendJSONString(buf, d.version)
	buf = append(buf, `,"build_versions":`...)
	buf = appendJSONString(buf, d.buildVersions)

	buf = append(buf, `,"config":{`...)
	names := make([]string, 0, len(d.constants))
	for name := range d.constants {
		names = append(names, name)
	}
	sortStrings(names)
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, name)
		buf = append(buf, ':')
		buf = appendJSONString(buf, valueToString(d.constants[name].Value))
	}

	// commands arrive in ID order
	buf = append(buf, `},"commands":{`...)
	first := true
	for _, cmd := range commands {
		if cmd.Handler == nil {
			continue
		}
		if !first {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, cmd.Signature())
		buf = append(buf, ':')
		buf = appendUint(buf, uint32(cmd.ID))
		first = false
	}
	buf = append(buf, `},"responses":{`...)
	first = true
	for _, cmd := range commands {
		if cmd.Handler != nil {
			continue
		}
		if !first {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, cmd.Signature())
		buf = append(buf, ':')
		buf = appendUint(buf, uint32(cmd.ID))
		first = false
	}
	buf = append(buf, '}')

	if len(d.enumerations) > 0 {
		buf = append(buf, `,"enumerations":{`...)
		names = names[:0]
		for name := range d.enumerations {
			names = append(names, name)
		}
		sortStrings(names)
		for i, name := range names {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, name)
			buf = append(buf, `:{`...)
			firstValue := true
			for v, value := range d.enumerations[name].Values {
				if value == "" {
					continue
				}
				if !firstValue {
					buf = append(buf, ',')
				}
				buf = appendJSONString(buf, value)
				buf = append(buf, ':')
				buf = appendUint(buf, uint32(v))
				firstValue = false
			}
			buf = append(buf, '}')
		}
		buf = append(buf, '}')
	}
	return append(buf, '}')
}

// GetChunk returns a copy of up to count bytes starting at offset
func (d *Dictionary) GetChunk(offset uint32, count uint8) []byte {
	data := d.Generate()
	if offset >= uint32(len(data)) {
		return []byte{}
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	// a copy: the transport may hold it while the cache is rebuilt
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}
