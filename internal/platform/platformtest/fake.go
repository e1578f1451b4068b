// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linkguard/guardian/internal/platform"
)

// Posted is an advisory the fake has seen, with its current content.
type Posted struct {
	ID        string
	Community string
	Channel   string
	ReplyTo   string
	Advisory  platform.Advisory
	Edits     int
	Deleted   bool
}

// Fake records every call. Members are created on first use; Gone members
// answer role operations with platform.ErrNotFound.
type Fake struct {
	mu sync.Mutex

	// Fail makes the named operation return the given error.
	Fail map[string]error

	Calls       []string
	Deleted     []string // message IDs
	Advisories  map[string]*Posted
	Roles       map[string][]platform.Role // community -> roles
	MemberRole  map[string][]string        // community/user -> role IDs
	ChannelList map[string][]platform.Channel
	Overrides   map[string][]string // channel/role -> denied permissions
	Banned      []string            // community/user
	Gone        map[string]bool     // community/user

	seq int
}

var _ platform.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Fail:        map[string]error{},
		Advisories:  map[string]*Posted{},
		Roles:       map[string][]platform.Role{},
		MemberRole:  map[string][]string{},
		ChannelList: map[string][]platform.Channel{},
		Overrides:   map[string][]string{},
		Gone:        map[string]bool{},
	}
}

func member(community, user string) string { return community + "/" + user }

// begin records op and returns its configured failure.
func (f *Fake) begin(op string) error {
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// HasRole reports whether user currently holds roleID.
func (f *Fake) HasRole(community, user, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.MemberRole[member(community, user)], roleID)
}

// Advisory returns a posted advisory by ID.
func (f *Fake) Advisory(id string) (Posted, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Advisories[id]
	if !ok {
		return Posted{}, false
	}
	return *p, true
}

// AllAdvisories returns every advisory in posting order.
func (f *Fake) AllAdvisories() []Posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Posted, 0, len(f.Advisories))
	for i := 1; i <= f.seq; i++ {
		if p, ok := f.Advisories[fmt.Sprintf("adv-%d", i)]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (f *Fake) DeleteMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteMessage"); err != nil {
		return err
	}
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *Fake) SendAdvisory(_ context.Context, community, channel, replyTo string, a platform.Advisory) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SendAdvisory"); err != nil {
		return "", err
	}
	id := f.nextID("adv")
	f.Advisories[id] = &Posted{ID: id, Community: community, Channel: channel, ReplyTo: replyTo, Advisory: a}
	return id, nil
}

func (f *Fake) EditAdvisory(_ context.Context, _, _, messageID string, a platform.Advisory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("EditAdvisory"); err != nil {
		return err
	}
	p, ok := f.Advisories[messageID]
	if !ok || p.Deleted {
		return platform.ErrNotFound
	}
	p.Advisory = a
	p.Edits++
	return nil
}

func (f *Fake) DeleteAdvisory(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteAdvisory"); err != nil {
		return err
	}
	p, ok := f.Advisories[messageID]
	if !ok || p.Deleted {
		return platform.ErrNotFound
	}
	p.Deleted = true
	return nil
}

func (f *Fake) MemberRoles(_ context.Context, community, user string) ([]platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("MemberRoles"); err != nil {
		return nil, err
	}
	if f.Gone[member(community, user)] {
		return nil, platform.ErrNotFound
	}
	var roles []platform.Role
	for _, id := range f.MemberRole[member(community, user)] {
		for _, r := range f.Roles[community] {
			if r.ID == id {
				roles = append(roles, r)
			}
		}
	}
	return roles, nil
}

func (f *Fake) AddRole(_ context.Context, community, user, roleID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AddRole"); err != nil {
		return err
	}
	key := member(community, user)
	if f.Gone[key] {
		return platform.ErrNotFound
	}
	if !slices.Contains(f.MemberRole[key], roleID) {
		f.MemberRole[key] = append(f.MemberRole[key], roleID)
	}
	return nil
}

func (f *Fake) RemoveRole(_ context.Context, community, user, roleID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("RemoveRole"); err != nil {
		return err
	}
	key := member(community, user)
	if f.Gone[key] {
		return platform.ErrNotFound
	}
	i := slices.Index(f.MemberRole[key], roleID)
	if i < 0 {
		return platform.ErrNotFound
	}
	f.MemberRole[key] = slices.Delete(f.MemberRole[key], i, i+1)
	return nil
}

func (f *Fake) FindRole(_ context.Context, community, name string) (platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("FindRole"); err != nil {
		return platform.Role{}, err
	}
	for _, r := range f.Roles[community] {
		if r.Name == name {
			return r, nil
		}
	}
	return platform.Role{}, platform.ErrNotFound
}

func (f *Fake) CreateRole(_ context.Context, community, name string, _ []string) (platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateRole"); err != nil {
		return platform.Role{}, err
	}
	r := platform.Role{ID: f.nextID("role"), Name: name}
	f.Roles[community] = append(f.Roles[community], r)
	return r, nil
}

func (f *Fake) Channels(_ context.Context, community string) ([]platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Channels"); err != nil {
		return nil, err
	}
	return slices.Clone(f.ChannelList[community]), nil
}

func (f *Fake) SetChannelPermissions(_ context.Context, _, channel, roleID string, deny []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetChannelPermissions"); err != nil {
		return err
	}
	f.Overrides[channel+"/"+roleID] = slices.Clone(deny)
	return nil
}

func (f *Fake) BanMember(_ context.Context, community, user, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("BanMember"); err != nil {
		return err
	}
	f.Banned = append(f.Banned, member(community, user))
	return nil
}
