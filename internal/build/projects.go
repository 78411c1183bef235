package build

import (
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/config"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/artifact"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resources/files"
)

// Upstream repositories.
const (
	LibvirtNodeURL   = "https://github.com/Infinibay/libvirt-node.git"
	BackendURL       = "https://github.com/infinibay/backend.git"
	FrontendURL      = "https://github.com/infinibay/frontend.git"
	InfiniserviceURL = "https://github.com/infinibay/infiniservice.git"
)

// LibvirtNodePackage is the tarball the backend installs from lib/libvirt-node.
const LibvirtNodePackage = "infinibay-libvirt-node-0.0.1.tgz"

// Projects returns the four Infinibay projects for cfg.
func Projects(cfg *config.Installation) []*Project {
	url := func(u string) string {
		if cfg.UseLocalRepos {
			return ""
		}
		return u
	}
	npmHints := []string{"node --version", "npm cache clean --force", "curl -sI https://registry.npmjs.org"}

	libvirtNode := &Project{
		Name: "libvirt-node",
		URL:  url(LibvirtNodeURL),
		Dir:  cfg.LibvirtNodeDir(),
		Install: &Step{
			Name: "npm install", Argv: []string{"npm", "install"}, Timeout: 600 * time.Second,
			Hints: npmHints,
		},
		Steps: []Step{
			{
				Name: "native addon build", Argv: []string{"npm", "run", "build"}, Timeout: 900 * time.Second,
				Hints: []string{"rustc --version", "pkg-config --exists libvirt && echo OK"},
			},
			{Name: "npm pack", Argv: []string{"npm", "pack"}, Timeout: 300 * time.Second, Hints: []string{"ls " + cfg.LibvirtNodeDir()}},
		},
		Artifacts: []artifact.Spec{
			{Name: "libvirt-node addon", Path: "*.node"},
			{Name: "libvirt-node package", Path: LibvirtNodePackage},
		},
		ArtifactHints: []string{"cd " + cfg.LibvirtNodeDir() + " && npm run build && npm pack"},
	}

	backend := &Project{
		Name:      "backend",
		URL:       url(BackendURL),
		Dir:       cfg.BackendDir(),
		DependsOn: []string{"libvirt-node"},
		Prepare: []resource.Resource{
			&files.Symlink{Path: filepath.Join(cfg.BackendDir(), "lib", "libvirt-node"), Target: cfg.LibvirtNodeDir()},
		},
		Install: &Step{
			Name: "npm install", Argv: []string{"npm", "install"}, Timeout: 900 * time.Second,
			Hints: append([]string{"ls " + filepath.Join(cfg.LibvirtNodeDir(), LibvirtNodePackage)}, npmHints...),
		},
		Steps: []Step{
			{
				Name: "prisma generate", Argv: []string{"npx", "prisma", "generate"}, Timeout: 300 * time.Second,
				Hints: []string{"ls " + filepath.Join(cfg.BackendDir(), "prisma", "schema.prisma"), "npm ls @prisma/client"},
			},
		},
		Artifacts: []artifact.Spec{
			{Name: "backend node_modules", Path: "node_modules", Dir: true},
			{Name: "prisma client", Path: filepath.Join("node_modules", ".prisma", "client"), Dir: true},
		},
		ArtifactHints: []string{"cd " + cfg.BackendDir() + " && npm install && npx prisma generate"},
	}

	frontend := &Project{
		Name:      "frontend",
		URL:       url(FrontendURL),
		Dir:       cfg.FrontendDir(),
		DependsOn: []string{"libvirt-node", "backend"},
		Install: &Step{
			Name: "npm install", Argv: []string{"npm", "install"}, Timeout: 900 * time.Second,
			Hints: npmHints,
		},
		Artifacts: []artifact.Spec{
			{Name: "frontend node_modules", Path: "node_modules", Dir: true},
		},
		ArtifactHints: []string{"cd " + cfg.FrontendDir() + " && npm install"},
	}

	infiniservice := &Project{
		Name:      "infiniservice",
		URL:       url(InfiniserviceURL),
		Dir:       cfg.InfiniserviceDir(),
		DependsOn: []string{"libvirt-node", "backend"},
		Steps: []Step{
			{
				Name: "cargo build", Argv: []string{"cargo", "build", "--release"}, Timeout: 1800 * time.Second,
				Hints: []string{"rustc --version", "cargo --version", "pkg-config --exists openssl && echo OK"},
			},
		},
		Artifacts: []artifact.Spec{
			{Name: "infiniservice binary", Path: filepath.Join("target", "release", "infiniservice"), Executable: true},
		},
		ArtifactHints: []string{"cd " + cfg.InfiniserviceDir() + " && cargo build --release"},
	}

	return []*Project{libvirtNode, backend, frontend, infiniservice}
}
