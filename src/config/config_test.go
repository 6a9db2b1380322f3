package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/sirupsen/logrus"
)

func TestSetDataDir(t *testing.T) {
	c := NewDefaultConfig()
	c.SetDataDir("/tmp/ddp-test")
	if expected := filepath.Join("/tmp/ddp-test", DefaultBadgerFile); c.DatabaseDir != expected {
		t.Fatalf("DatabaseDir should follow DataDir: expected %s, got %s", expected, c.DatabaseDir)
	}

	c = NewDefaultConfig()
	c.DatabaseDir = "/var/lib/ddp"
	c.SetDataDir("/tmp/ddp-test")
	if c.DatabaseDir != "/var/lib/ddp" {
		t.Fatalf("an explicit DatabaseDir should be kept, got %s", c.DatabaseDir)
	}
}

func TestEncapsulation(t *testing.T) {
	c := NewDefaultConfig()
	if enc, err := c.ParsedEncapsulation(); err != nil || enc != proto.Raw {
		t.Fatalf("expected raw, got %v, %v", enc, err)
	}

	c.Encapsulation = "sockjs"
	if enc, err := c.ParsedEncapsulation(); err != nil || enc != proto.SockJS {
		t.Fatalf("expected sockjs, got %v, %v", enc, err)
	}

	c.Encapsulation = "carrier-pigeon"
	if _, err := c.ParsedEncapsulation(); err == nil {
		t.Fatal("an unknown encapsulation should be refused")
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":  logrus.DebugLevel,
		"info":   logrus.InfoLevel,
		"warn":   logrus.WarnLevel,
		"error":  logrus.ErrorLevel,
		"fatal":  logrus.FatalLevel,
		"panic":  logrus.PanicLevel,
		"chatty": logrus.DebugLevel,
		"":       logrus.DebugLevel,
	}
	for in, expected := range cases {
		if l := LogLevel(in); l != expected {
			t.Fatalf("LogLevel(%q) = %v, expected %v", in, l, expected)
		}
	}
}

func TestLogFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "ddp-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	c := NewDefaultConfig()
	c.LogLevel = "info"
	c.LogFile = filepath.Join(dir, "ddp.log")

	logger := c.Logger()
	logger.Logger.Out = ioutil.Discard
	logger.Info("written to the file")

	data, err := ioutil.ReadFile(c.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "written to the file") {
		t.Fatalf("the log file should contain the entry, got %q", data)
	}
}
