package config

import "testing"

func TestFromYAMLDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("http://localhost:8080")))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	if cfg.Fetch.MaxDepth != 10 || cfg.Fetch.ParallelFetches != 5 {
		t.Fatalf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Fetch.IncludeEpicLink == nil || !*cfg.Fetch.IncludeEpicLink {
		t.Fatalf("include_epic_link = %v", cfg.Fetch.IncludeEpicLink)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []string{
		"fetch:\n  max_depth: 101\n",
		"fetch:\n  parallel_fetches: 21\n",
		"fetch:\n  circular_refs: explode\n",
		"fetch:\n  max_results: -1\n",
	}
	for _, yml := range cases {
		if _, err := FromYAML([]byte(yml)); err == nil {
			t.Fatalf("should reject: %s", yml)
		}
	}
}
