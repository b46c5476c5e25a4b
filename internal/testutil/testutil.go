// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testutil provides configuration loading and fakes shared by the
// package tests: an httptest stand-in for the video host, asset endpoint and
// inference endpoint, plus in-process collaborators for the workflow.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaycherian/gcp-go-video-evidence/internal/cloud"
	"github.com/jaycherian/gcp-go-video-evidence/internal/core/model"
)

var (
	configOnce sync.Once
	config     *cloud.Config
	configErr  error
)

// HandleErr fails the test when err is set.
func HandleErr(err error, t testing.TB) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ModuleRoot walks up from the working directory to the go.mod file.
func ModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		dir = parent
	}
}

// SetupOS points the configuration loader at <module>/configs with the
// "test" runtime.
func SetupOS() error {
	root, err := ModuleRoot()
	if err != nil {
		return err
	}
	if err := os.Setenv(cloud.EnvConfigFilePrefix, filepath.Join(root, "configs")); err != nil {
		return err
	}
	return os.Setenv(cloud.EnvConfigRuntime, "test")
}

// GetConfig loads the test configuration once per test binary.
func GetConfig(t testing.TB) *cloud.Config {
	t.Helper()
	configOnce.Do(func() {
		if configErr = SetupOS(); configErr != nil {
			return
		}
		c := cloud.NewConfig()
		if configErr = cloud.LoadConfig(c); configErr != nil {
			return
		}
		configErr = c.Validate()
		config = c
	})
	if configErr != nil {
		t.Fatalf("failed to load test configuration: %v", configErr)
	}
	cp := *config
	return &cp
}

// AnalysisMessageText is a Pub/Sub body requesting analysis of videoID.
func AnalysisMessageText(videoID string) string {
	return fmt.Sprintf(`{"video_id": %q}`, videoID)
}

// SampleVideoURL is a provider URL with a version and folder.
const SampleVideoURL = "https://res.cloudinary.com/demo/video/upload/v1712345678/cameras/lobby-cam.mp4"

// SampleResult is a three window analysis used by service and index tests.
func SampleResult() model.AnalysisResult {
	return model.AnalysisResult{
		model.NewSegmentAnalysis(model.TimeWindow{Start: 0, End: 30}, model.TextAnalysis("A courier leaves a parcel by the lobby door.")),
		model.NewSegmentAnalysis(model.TimeWindow{Start: 30, End: 60}, model.TextAnalysis("A man in a red jacket picks up the parcel and runs outside.")),
		model.NewSegmentAnalysis(model.TimeWindow{Start: 60, End: 75}, model.TextAnalysis("The lobby is empty; the door closes slowly.")),
	}
}
