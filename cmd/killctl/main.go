package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"killswitch/pkg/admin"
	"killswitch/pkg/httpx"
	"killswitch/pkg/policyeval"
	"killswitch/pkg/settings"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 15 * time.Second}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "settings":
		return getSettings(args[1:], out)
	case "kill":
		return kill(args[1:], out)
	case "unkill":
		return unkill(args[1:], out)
	case "beta":
		return beta(args[1:], out)
	case "release":
		return release(args[1:], out)
	case "installs":
		return list("installs", "/admin/installs", args[1:], out)
	case "audit":
		return list("audit", "/admin/audit", args[1:], out)
	case "apply":
		return apply(args[1:], out)
	case "check":
		return check(args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "killctl commands:")
	fmt.Fprintln(out, "  settings")
	fmt.Fprintln(out, "  kill <version> [--reason text]")
	fmt.Fprintln(out, "  unkill <version>")
	fmt.Fprintln(out, "  beta on|off")
	fmt.Fprintln(out, "  release --latest 1.2.0 [--patch-url URL] [--force]")
	fmt.Fprintln(out, "  installs [--limit N]")
	fmt.Fprintln(out, "  audit [--limit N]")
	fmt.Fprintln(out, "  apply -f policy.yaml")
	fmt.Fprintln(out, "  check <version> [--channel beta]")
	fmt.Fprintln(out, "global flags: --url (CONTROL_URL) --key (ADMIN_KEY)")
}

// remote is the target service and credential shared by every subcommand.
type remote struct {
	url string
	key string
}

func newFlagSet(name string) (*pflag.FlagSet, *remote) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	r := &remote{}
	fs.StringVar(&r.url, "url", envOr("CONTROL_URL", "http://localhost:8080"), "control service base URL")
	fs.StringVar(&r.key, "key", os.Getenv("ADMIN_KEY"), "admin credential")
	return fs, r
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func (r *remote) call(method, path string, body any, out io.Writer) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = raw
	}
	headers := map[string]string{}
	if r.key != "" {
		headers["X-Admin-Key"] = r.key
	}
	status, resp, err := httpx.Do(context.Background(), httpClient, httpx.Request{
		Method:  method,
		URL:     strings.TrimRight(r.url, "/") + path,
		Body:    payload,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status > 299 {
		var eb httpx.ErrorBody
		if json.Unmarshal(resp, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("%s %s: %d %s (%s)", method, path, status, eb.Error, eb.Code)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, status, strings.TrimSpace(string(resp)))
	}
	return printJSON(out, resp)
}

func printJSON(out io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = out.Write(raw)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getSettings(args []string, out io.Writer) error {
	fs, r := newFlagSet("settings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.call(http.MethodGet, "/admin/settings", nil, out)
}

func kill(args []string, out io.Writer) error {
	fs, r := newFlagSet("kill")
	reason := fs.String("reason", "", "reason shown to locked clients")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("kill requires exactly one version")
	}
	return r.call(http.MethodPost, "/admin/kill", map[string]string{"version": fs.Arg(0), "reason": *reason}, out)
}

func unkill(args []string, out io.Writer) error {
	fs, r := newFlagSet("unkill")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("unkill requires exactly one version")
	}
	return r.call(http.MethodPost, "/admin/unkill", map[string]string{"version": fs.Arg(0)}, out)
}

func beta(args []string, out io.Writer) error {
	fs, r := newFlagSet("beta")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var enabled bool
	switch strings.ToLower(fs.Arg(0)) {
	case "on", "true", "enable":
		enabled = true
	case "off", "false", "disable":
		enabled = false
	default:
		return errors.New("beta requires on or off")
	}
	return r.call(http.MethodPost, "/admin/beta", map[string]bool{"enabled": enabled}, out)
}

func release(args []string, out io.Writer) error {
	fs, r := newFlagSet("release")
	latest := fs.String("latest", "", "latest published version")
	patchURL := fs.String("patch-url", "", "download URL for the latest build")
	force := fs.Bool("force", false, "lock every version other than latest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*latest) == "" {
		return errors.New("release requires --latest")
	}
	return r.call(http.MethodPost, "/admin/release", admin.Release{
		LatestVersion: *latest,
		PatchURL:      *patchURL,
		ForceUpdate:   *force,
	}, out)
}

func list(name, path string, args []string, out io.Writer) error {
	fs, r := newFlagSet(name)
	limit := fs.Int("limit", 0, "maximum records (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(*limit)}}.Encode()
	}
	return r.call(http.MethodGet, path, nil, out)
}

// apply posts a YAML policy file as a partial settings update. Keys absent
// from the file are left unchanged on the server.
func apply(args []string, out io.Writer) error {
	fs, r := newFlagSet("apply")
	file := fs.StringP("file", "f", "", "policy YAML file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("apply requires -f policy.yaml")
	}
	p, err := loadPolicy(*file)
	if err != nil {
		return err
	}
	if p.IsEmpty() {
		return fmt.Errorf("%s sets no recognised settings", *file)
	}
	return r.call(http.MethodPost, "/admin/settings", p, out)
}

// policyFile mirrors settings.Partial and adds the older killed_versions
// list form.
type policyFile struct {
	settings.Partial `yaml:",inline"`
	KilledVersions   *[]string `yaml:"killed_versions"`
}

func loadPolicy(path string) (settings.Partial, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return settings.Partial{}, fmt.Errorf("read policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return settings.Partial{}, fmt.Errorf("parse policy: %w", err)
	}
	p := f.Partial
	if p.KillList == nil && f.KilledVersions != nil {
		list := make(map[string]string, len(*f.KilledVersions))
		for _, v := range *f.KilledVersions {
			list[strings.TrimSpace(v)] = ""
		}
		p.KillList = &list
	}
	return p, nil
}

// check asks the public endpoint what a given build would be told.
func check(args []string, out io.Writer) error {
	fs, r := newFlagSet("check")
	channel := fs.String("channel", "beta", "client channel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("check requires exactly one version")
	}
	return r.call(http.MethodPost, "/client/config", policyeval.Report{Version: fs.Arg(0), Channel: *channel}, out)
}
