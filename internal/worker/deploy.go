package worker

import (
	"regexp"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/task"
)

// deploymentURLPattern matches hosted preview and project URLs emitted by
// deployment CLIs on stdout.
var deploymentURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9.-]+\.(?:vercel\.app|supabase\.co)[a-zA-Z0-9./_-]*`)

// DeployWorker runs deployment CLIs. Credentials reach the tools through
// process environment only; they never appear in argument vectors or logs.
type DeployWorker struct{ base }

func NewDeploy(opts Options, deploy config.Deploy, timeout time.Duration) *DeployWorker {
	w := &DeployWorker{base: newBase(task.CapabilityDeploy, opts)}
	w.commandEnv = credentialEnv(deploy)
	w.commandTimeout = timeout
	w.onCommand = extractDeploymentURLs
	return w
}

func credentialEnv(deploy config.Deploy) []string {
	var env []string
	if deploy.VercelToken.IsSet() {
		env = append(env, "VERCEL_TOKEN="+deploy.VercelToken.Value())
	}
	if deploy.VercelOrgID != "" {
		env = append(env, "VERCEL_ORG_ID="+deploy.VercelOrgID)
	}
	if deploy.VercelProjectID != "" {
		env = append(env, "VERCEL_PROJECT_ID="+deploy.VercelProjectID)
	}
	if deploy.SupabaseToken.IsSet() {
		env = append(env, "SUPABASE_ACCESS_TOKEN="+deploy.SupabaseToken.Value())
	}
	if deploy.SupabaseProjectRef != "" {
		env = append(env, "SUPABASE_PROJECT_REF="+deploy.SupabaseProjectRef)
	}
	return env
}

func extractDeploymentURLs(result *sandbox.RunResult) []Artifact {
	if result.ExitCode != 0 {
		return nil
	}
	urls := deploymentURLPattern.FindAllString(result.Stdout, -1)
	seen := make(map[string]bool, len(urls))
	var artifacts []Artifact
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		artifacts = append(artifacts, Artifact{Type: ArtifactDeploymentURL, Detail: u})
	}
	return artifacts
}
