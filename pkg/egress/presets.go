package egress

import "sort"

// Presets maps a preset name to an ordered domain list. It is built once
// and read-only afterwards.
type Presets struct {
	groups map[string][]string
}

func DefaultPresets() Presets {
	return Presets{groups: map[string][]string{
		"package-managers": {
			"registry.npmjs.org",
			"registry.yarnpkg.com",
			"pypi.org",
			"files.pythonhosted.org",
			"proxy.golang.org",
			"sum.golang.org",
			"index.crates.io",
			"static.crates.io",
			"rubygems.org",
			"repo.maven.apache.org",
			"api.nuget.org",
			"deb.debian.org",
			"archive.ubuntu.com",
			"security.ubuntu.com",
		},
		"git-hosts": {
			"github.com",
			"api.github.com",
			"codeload.github.com",
			"objects.githubusercontent.com",
			"raw.githubusercontent.com",
			"gitlab.com",
			"bitbucket.org",
		},
		"ai-apis": {
			"api.anthropic.com",
			"api.openai.com",
			"generativelanguage.googleapis.com",
		},
		"container-registries": {
			"registry-1.docker.io",
			"auth.docker.io",
			"production.cloudflare.docker.com",
			"ghcr.io",
			"pkg-containers.githubusercontent.com",
			"quay.io",
			"mcr.microsoft.com",
		},
	}}
}

// Expand returns a copy of the domains for name.
func (p Presets) Expand(name string) ([]string, bool) {
	domains, ok := p.groups[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), domains...), true
}

func (p Presets) Names() []string {
	names := make([]string, 0, len(p.groups))
	for n := range p.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
