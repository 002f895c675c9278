// Package cloudtest provides an in-memory control plane for tests.
//
// Fake implements every cloud service interface and cloud.Connector. It is
// safe for concurrent use. Status sequences can be scripted per resource:
// each Get call advances the script and the last status sticks.
package cloudtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"osfleet/internal/cloud"
)

// Call is one recorded client call.
type Call struct {
	Method string
	Args   []string
}

// Fake is an in-memory control plane.
type Fake struct {
	// Status scripts applied to resources created through the fake.
	// Empty means the resource is immediately ready.
	NewImageStatuses  []string
	NewVolumeStatuses []string
	NewServerStatuses []string
	NewBackupStatuses []string

	// MigrateTo is the host migrated servers land on.
	MigrateTo string

	mu          sync.Mutex
	seq         int
	projects    map[string]*cloud.Project
	users       map[string]*cloud.User
	roles       map[string]*cloud.Role
	assignments []cloud.RoleAssignment
	servers     map[string]*cloud.Server
	locked      map[string]bool
	preResize   map[string]string
	stuck       map[string]bool
	volumes     map[string]*cloud.Volume
	images      map[string]*cloud.Image
	content     map[string][]byte
	backups     map[string]*cloud.Backup
	networks    map[string]*cloud.Network
	subnets     map[string]*cloud.Subnet
	ports       map[string]*cloud.Port
	routers     map[string]*cloud.Router
	routerIfs   map[string][]string
	fips        map[string]*cloud.FloatingIP
	secgroups   map[string]*cloud.SecurityGroup
	scripts     map[string][]string
	faults      map[string]error
	calls       []Call
}

var (
	_ cloud.Identity  = (*Fake)(nil)
	_ cloud.Compute   = (*Fake)(nil)
	_ cloud.Images    = (*Fake)(nil)
	_ cloud.Volumes   = (*Fake)(nil)
	_ cloud.Networks  = (*Fake)(nil)
	_ cloud.Connector = (*Fake)(nil)
)

// New returns an empty control plane.
func New() *Fake {
	return &Fake{
		MigrateTo: "dest-host",
		projects:  map[string]*cloud.Project{},
		users:     map[string]*cloud.User{},
		roles:     map[string]*cloud.Role{},
		servers:   map[string]*cloud.Server{},
		locked:    map[string]bool{},
		preResize: map[string]string{},
		stuck:     map[string]bool{},
		volumes:   map[string]*cloud.Volume{},
		images:    map[string]*cloud.Image{},
		content:   map[string][]byte{},
		backups:   map[string]*cloud.Backup{},
		networks:  map[string]*cloud.Network{},
		subnets:   map[string]*cloud.Subnet{},
		ports:     map[string]*cloud.Port{},
		routers:   map[string]*cloud.Router{},
		routerIfs: map[string][]string{},
		fips:      map[string]*cloud.FloatingIP{},
		secgroups: map[string]*cloud.SecurityGroup{},
		scripts:   map[string][]string{},
		faults:    map[string]error{},
	}
}

// Clients returns the fake as a client bundle.
func (f *Fake) Clients() *cloud.Clients {
	return &cloud.Clients{Identity: f, Compute: f, Images: f, Volumes: f, Networks: f}
}

// Connect implements cloud.Connector.
func (f *Fake) Connect(_ context.Context, projectID string) (*cloud.Clients, error) {
	if err := f.enter("Connect", projectID); err != nil {
		return nil, err
	}
	return f.Clients(), nil
}

// --- test controls ---

// FailOn makes method fail with err. An empty id matches every call.
func (f *Fake) FailOn(method, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[method+":"+id] = err
}

// ScriptImage sets the statuses returned by successive GetImage calls.
func (f *Fake) ScriptImage(id string, statuses ...string) { f.script("image:"+id, statuses) }

// ScriptVolume sets the statuses returned by successive GetVolume calls.
func (f *Fake) ScriptVolume(id string, statuses ...string) { f.script("volume:"+id, statuses) }

// ScriptServer sets the statuses returned by successive GetServer calls.
func (f *Fake) ScriptServer(id string, statuses ...string) { f.script("server:"+id, statuses) }

// ScriptBackup sets the statuses returned by successive GetBackup calls.
func (f *Fake) ScriptBackup(id string, statuses ...string) { f.script("backup:"+id, statuses) }

// StickMigration keeps the server on its host when migrated.
func (f *Fake) StickMigration(id string, stuck bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck[id] = stuck
}

func (f *Fake) script(key string, statuses []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key] = slices.Clone(statuses)
}

// Calls returns the recorded calls to method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was called, optionally with the
// given first argument.
func (f *Fake) CallCount(method string, firstArg ...string) int {
	n := 0
	for _, c := range f.Calls(method) {
		if len(firstArg) == 0 || (len(c.Args) > 0 && c.Args[0] == firstArg[0]) {
			n++
		}
	}
	return n
}

// enter records a call and returns an injected fault, if any.
func (f *Fake) enter(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enterLocked(method, args...)
}

func (f *Fake) enterLocked(method string, args ...string) error {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	if err, ok := f.faults[method+":"+id]; ok {
		return err
	}
	if err, ok := f.faults[method+":"]; ok {
		return err
	}
	return nil
}

func (f *Fake) nextID(kind string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", kind, f.seq)
}

// advance applies the next scripted status for key, if any.
func (f *Fake) advance(key string, status *string) {
	s := f.scripts[key]
	if len(s) == 0 {
		return
	}
	*status = s[0]
	if len(s) > 1 {
		f.scripts[key] = s[1:]
	}
}

func (f *Fake) initial(key string, script []string, ready string) string {
	if len(script) == 0 {
		return ready
	}
	f.scripts[key] = slices.Clone(script)
	return script[0]
}

func sortedValues[T any](m map[string]*T, keep func(*T) bool) []T {
	out := make([]T, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if keep == nil || keep(m[k]) {
			out = append(out, *m[k])
		}
	}
	return out
}

// --- seeding and inspection ---

func (f *Fake) AddProject(p cloud.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = &p
}

func (f *Fake) AddUser(u cloud.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = &u
}

func (f *Fake) AddRole(r cloud.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[r.ID] = &r
}

func (f *Fake) AddAssignment(a cloud.RoleAssignment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, a)
}

func (f *Fake) AddServer(s cloud.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Metadata = maps.Clone(s.Metadata)
	f.servers[s.ID] = &s
}

func (f *Fake) AddVolume(v cloud.Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.Attachments = slices.Clone(v.Attachments)
	f.volumes[v.ID] = &v
}

func (f *Fake) AddImage(img cloud.Image, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[img.ID] = &img
	if content != nil {
		f.content[img.ID] = slices.Clone(content)
	}
}

func (f *Fake) AddNetwork(n cloud.Network) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[n.ID] = &n
}

func (f *Fake) AddSubnet(s cloud.Subnet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subnets[s.ID] = &s
}

func (f *Fake) AddPort(p cloud.Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports[p.ID] = &p
}

func (f *Fake) AddRouter(r cloud.Router, subnetIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers[r.ID] = &r
	f.routerIfs[r.ID] = slices.Clone(subnetIDs)
}

func (f *Fake) AddFloatingIP(ip cloud.FloatingIP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fips[ip.ID] = &ip
}

func (f *Fake) AddSecurityGroup(g cloud.SecurityGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secgroups[g.ID] = &g
}

// Server returns the current state of a server.
func (f *Fake) Server(id string) (cloud.Server, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return cloud.Server{}, false
	}
	return *s, true
}

// Volume returns the current state of a volume.
func (f *Fake) Volume(id string) (cloud.Volume, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volumes[id]
	if !ok {
		return cloud.Volume{}, false
	}
	out := *v
	out.Attachments = slices.Clone(v.Attachments)
	return out, true
}

// Image returns the current state of an image.
func (f *Fake) Image(id string) (cloud.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return cloud.Image{}, false
	}
	return *img, true
}

// ImageByName returns the first image with the given name.
func (f *Fake) ImageByName(name string) (cloud.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range sortedValues(f.images, nil) {
		if img.Name == name {
			return img, true
		}
	}
	return cloud.Image{}, false
}

// ImageCount returns how many images exist.
func (f *Fake) ImageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

// Locked reports whether the server is locked.
func (f *Fake) Locked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[id]
}

// Counts returns the number of remaining resources per kind.
func (f *Fake) Counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"projects":       len(f.projects),
		"users":          len(f.users),
		"servers":        len(f.servers),
		"volumes":        len(f.volumes),
		"images":         len(f.images),
		"networks":       len(f.networks),
		"subnets":        len(f.subnets),
		"ports":          len(f.ports),
		"routers":        len(f.routers),
		"floatingips":    len(f.fips),
		"securitygroups": len(f.secgroups),
	}
}
