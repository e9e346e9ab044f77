package main

import "strings"

// cliFlagSet adapts a fixed, pre-resolved argument list to
// google/pprof/driver.FlagSet. keos-profile does its own flag parsing
// (capture type, duration, http address) before handing the profile
// path off to the pprof driver, so this adapter only needs to satisfy
// the interface, not do general-purpose parsing.
type cliFlagSet struct {
	args       []string
	httpFlag   string
	extraUsage strings.Builder

	bools    map[string]*bool
	ints     map[string]*int
	floats   map[string]*float64
	strings  map[string]*string
	strLists map[string]*[]*string
}

func newFlagSet(args []string) *cliFlagSet {
	return &cliFlagSet{
		args:     args,
		bools:    map[string]*bool{},
		ints:     map[string]*int{},
		floats:   map[string]*float64{},
		strings:  map[string]*string{},
		strLists: map[string]*[]*string{},
	}
}

func (f *cliFlagSet) Bool(name string, def bool, _ string) *bool {
	v := def
	if name == "http" && f.httpFlag != "" {
		// pprof's own -http flag toggles the web UI; presence of an
		// address is what matters, the driver reads it via String("http", ...).
		v = true
	}
	f.bools[name] = &v
	return &v
}

func (f *cliFlagSet) Int(name string, def int, _ string) *int {
	v := def
	f.ints[name] = &v
	return &v
}

func (f *cliFlagSet) Float64(name string, def float64, _ string) *float64 {
	v := def
	f.floats[name] = &v
	return &v
}

func (f *cliFlagSet) String(name string, def string, _ string) *string {
	v := def
	if name == "http" {
		v = f.httpFlag
	}
	f.strings[name] = &v
	return &v
}

func (f *cliFlagSet) StringList(name string, def string, _ string) *[]*string {
	v := []*string{}
	if def != "" {
		s := def
		v = append(v, &s)
	}
	f.strLists[name] = &v
	return &v
}

func (f *cliFlagSet) ExtraUsage() string { return f.extraUsage.String() }

func (f *cliFlagSet) AddExtraUsage(eu string) { f.extraUsage.WriteString(eu) }

// Parse returns the profile source path keos-profile already resolved;
// it never re-parses os.Args, since main already consumed them.
func (f *cliFlagSet) Parse(usage func()) []string {
	if len(f.args) == 0 {
		usage()
		return nil
	}
	return f.args
}
