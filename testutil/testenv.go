// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvTestTenant         = "THUMBPHOTO_TEST_TENANT"
	EnvAllowedTestTenants = "THUMBPHOTO_ALLOWED_TEST_TENANTS"
)

const bootstrapHint = "Sign in once with: thumbphoto --config .testdata/config.toml login"

// CredentialFiles are copied from .testdata/ into the isolated data
// directory when present. Which one exists depends on auth_backend.
var CredentialFiles = []string{"token.json", "msal_cache.json"}

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly). Existing env
// vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireAllowedTenant returns the test tenant, crashing the process unless
// it is listed in THUMBPHOTO_ALLOWED_TEST_TENANTS. The E2E suite replaces a
// real user's photo.
func RequireAllowedTenant() string {
	tenant := os.Getenv(EnvTestTenant)
	if tenant == "" {
		fatalf("%s not set", EnvTestTenant)
	}

	allowlist := os.Getenv(EnvAllowedTestTenants)
	if allowlist == "" {
		fatalf("%s not set\nExample: %s=contoso-test.onmicrosoft.com", EnvAllowedTestTenants, EnvAllowedTestTenants)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), tenant) {
			return tenant
		}
	}

	fatalf("%s=%q is not in %s=%q", EnvTestTenant, tenant, EnvAllowedTestTenants, allowlist)

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ under the module root and checks
// that it holds a config file and at least one credential file.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		fatalf("no config.toml in %s\n%s", dir, bootstrapHint)
	}

	for _, name := range CredentialFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir
		}
	}

	fatalf("no credential file in %s (want one of %v)\n%s", dir, CredentialFiles, bootstrapHint)

	return ""
}

// CopyFile copies src to dst with the given permissions. Crashes on failure
// because tests cannot proceed without the file.
func CopyFile(src, dst string, perm os.FileMode) {
	data, err := os.ReadFile(src)
	if err != nil {
		fatalf("cannot read %s: %v", src, err)
	}

	if err := os.WriteFile(dst, data, perm); err != nil {
		fatalf("writing %s: %v", dst, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
