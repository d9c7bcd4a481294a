package sandbox

import (
	"encoding/json"
	"sort"

	"github.com/buildroom-dev/buildroom/internal/ai"
	"github.com/buildroom-dev/buildroom/internal/model"
)

const manifestName = "package.json"

// manifest is the subset of package.json the orchestrator cares about.
type manifest struct {
	Main         string            `json:"main"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

// parseManifest extracts the dependency manifest from the workspace file
// map. Returns false when there is no manifest or it does not parse.
func parseManifest(files model.FileTree) (*manifest, bool) {
	node, ok := files[manifestName]
	if !ok {
		return nil, false
	}
	var m manifest
	if err := json.Unmarshal([]byte(node.File.Contents), &m); err != nil {
		return nil, false
	}
	return &m, true
}

// DeriveInstall builds the install command. The manifest's exact package
// names and versions win over the AI-declared build command; the declared
// command is the fallback, and `npm install` the default.
func DeriveInstall(files model.FileTree, declared *ai.Command) ai.Command {
	if m, ok := parseManifest(files); ok && len(m.Dependencies) > 0 {
		names := make([]string, 0, len(m.Dependencies))
		for name := range m.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)

		args := []string{"install"}
		for _, name := range names {
			version := m.Dependencies[name]
			if version == "" {
				args = append(args, name)
				continue
			}
			args = append(args, name+"@"+version)
		}
		return ai.Command{Tool: "npm", Args: args}
	}

	if declared != nil {
		// Declared commands arrive from the run request as well as from AI
		// results, so the allow-list applies here too.
		if tool, args := declared.Normalize(); ai.AllowedTool(tool) {
			return ai.Command{Tool: tool, Args: args}
		}
	}
	return *ai.DefaultBuildCommand()
}

// fallbackInstall is the secondary installer used when the preferred tool
// is unavailable in the sandbox. The compatibility flag keeps installs of
// older AI-generated manifests from failing on peer dependency conflicts.
func fallbackInstall() ai.Command {
	return ai.Command{Tool: "npm", Args: []string{"install", "--legacy-peer-deps"}}
}

// DeriveStart builds the run command: a manifest start script wins, then a
// manifest main entry, then the AI-declared start command, then `npm start`.
func DeriveStart(files model.FileTree, declared *ai.Command) ai.Command {
	if m, ok := parseManifest(files); ok {
		if _, hasStart := m.Scripts["start"]; hasStart {
			return ai.Command{Tool: "npm", Args: []string{"start"}}
		}
		if m.Main != "" {
			return ai.Command{Tool: "node", Args: []string{m.Main}}
		}
	}

	if declared != nil {
		if tool, args := declared.Normalize(); ai.AllowedTool(tool) {
			return ai.Command{Tool: tool, Args: args}
		}
	}
	return *ai.DefaultStartCommand()
}
