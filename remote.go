package depot

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// AutoInstall is a per-remote override of the global auto-install setting.
type AutoInstall int8

const (
	AutoInstallDefault AutoInstall = iota
	AutoInstallOff
	AutoInstallOn
)

// Remote is a named, URL-addressed repository. A protected remote's URL is
// not user-editable and the remote is exempt from obsolete-package prompts.
type Remote struct {
	Name        string
	URL         string
	Enabled     bool
	Protected   bool
	AutoInstall AutoInstall
}

var remoteNamePattern = regexp.MustCompile(`^[^~#%&*{}\\:<>?/+|"[:cntrl:]]+$`)

// NewRemote validates name and url and returns an enabled remote.
func NewRemote(name, rawURL string) (Remote, error) {
	r := Remote{Name: name, URL: rawURL, Enabled: true}

	if !remoteNamePattern.MatchString(name) ||
		strings.TrimSpace(name) != name {
		return Remote{}, ErrRemoteName
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Remote{}, ErrRemoteURL
	}

	return r, nil
}

// ParseRemote decodes the "name|url|enabled|autoinstall" form produced by
// Remote.String, used in archive REPO directives and the configuration file.
func ParseRemote(data string) (Remote, error) {
	fields := strings.Split(data, "|")
	if len(fields) < 2 {
		return Remote{}, fmt.Errorf("invalid remote: %q", data)
	}

	r, err := NewRemote(fields[0], fields[1])
	if err != nil {
		return Remote{}, err
	}

	if len(fields) > 2 && fields[2] == "0" {
		r.Enabled = false
	}
	if len(fields) > 3 {
		switch fields[3] {
		case "0":
			r.AutoInstall = AutoInstallOff
		case "1":
			r.AutoInstall = AutoInstallOn
		}
	}

	return r, nil
}

func (r Remote) String() string {
	enabled := "1"
	if !r.Enabled {
		enabled = "0"
	}

	auto := "2"
	switch r.AutoInstall {
	case AutoInstallOff:
		auto = "0"
	case AutoInstallOn:
		auto = "1"
	}

	return strings.Join([]string{r.Name, r.URL, enabled, auto}, "|")
}
