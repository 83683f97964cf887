package provision

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RunMode says how a project's preview server is brought up.
type RunMode string

const (
	// BuildThenStart runs the "build" script, then the "start" script.
	BuildThenStart RunMode = "BUILD_THEN_START"
	// DevServer runs the "dev" script.
	DevServer RunMode = "DEV_SERVER"
)

// PackageManager is the node package manager a project is installed with.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
)

// lockfiles in detection order.
var lockfiles = []struct {
	name string
	pm   PackageManager
}{
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
	{"package-lock.json", NPM},
	{"npm-shrinkwrap.json", NPM},
}

// Project is what provisioning learned about a checked-out tree.
type Project struct {
	RunMode        RunMode
	PackageManager PackageManager
	HasLockfile    bool
	Scripts        map[string]string
	// SrcDir is the checked-out tree; HomeDir is the HOME given to scripts.
	SrcDir    string
	HomeDir   string
	SizeBytes int64
}

type packageJSON struct {
	Scripts        map[string]string `json:"scripts"`
	PackageManager string            `json:"packageManager"`
}

// DetectProject reads package.json in dir and picks a RunMode: "build" plus
// "start" scripts win over "dev". Anything else is unsupported.
func DetectProject(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &UnsupportedProjectError{Reason: "no package.json at repository root"}
		}
		return nil, fmt.Errorf("reading package.json: %w", err)
	}

	var manifest packageJSON
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &UnsupportedProjectError{Reason: "package.json is not valid JSON: " + err.Error()}
	}

	p := &Project{Scripts: manifest.Scripts, SrcDir: dir}
	switch {
	case hasScript(manifest.Scripts, "build") && hasScript(manifest.Scripts, "start"):
		p.RunMode = BuildThenStart
	case hasScript(manifest.Scripts, "dev"):
		p.RunMode = DevServer
	default:
		return nil, &UnsupportedProjectError{Reason: `package.json defines neither "build"+"start" nor "dev" scripts`}
	}

	p.PackageManager, p.HasLockfile = detectPackageManager(dir, manifest.PackageManager)
	return p, nil
}

func hasScript(scripts map[string]string, name string) bool {
	return strings.TrimSpace(scripts[name]) != ""
}

// detectPackageManager prefers the corepack "packageManager" field, then
// lockfiles, then npm.
func detectPackageManager(dir, field string) (PackageManager, bool) {
	var declared PackageManager
	if name, _, _ := strings.Cut(field, "@"); name != "" {
		switch PackageManager(name) {
		case NPM, PNPM, Yarn:
			declared = PackageManager(name)
		}
	}
	for _, lf := range lockfiles {
		if _, err := os.Stat(filepath.Join(dir, lf.name)); err != nil {
			continue
		}
		if declared == "" || declared == lf.pm {
			return lf.pm, true
		}
	}
	if declared != "" {
		return declared, false
	}
	return NPM, false
}

// InstallCommand returns the offline-preferring install invocation.
func (pm PackageManager) InstallCommand(hasLockfile bool) []string {
	switch pm {
	case PNPM:
		if hasLockfile {
			return []string{"pnpm", "install", "--frozen-lockfile", "--prefer-offline"}
		}
		return []string{"pnpm", "install", "--prefer-offline"}
	case Yarn:
		if hasLockfile {
			return []string{"yarn", "install", "--frozen-lockfile", "--prefer-offline", "--non-interactive"}
		}
		return []string{"yarn", "install", "--prefer-offline", "--non-interactive"}
	default:
		if hasLockfile {
			return []string{"npm", "ci", "--prefer-offline", "--no-audit", "--no-fund"}
		}
		return []string{"npm", "install", "--prefer-offline", "--no-audit", "--no-fund"}
	}
}

// RunCommand returns the invocation of a package.json script with extra
// arguments forwarded to it.
func (pm PackageManager) RunCommand(script string, args ...string) []string {
	cmd := []string{string(pm), "run", script}
	if len(args) == 0 {
		return cmd
	}
	if pm == NPM {
		cmd = append(cmd, "--")
	}
	return append(cmd, args...)
}
