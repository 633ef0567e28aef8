package session

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func setenv(name, value string) {
	old, had := os.LookupEnv(name)
	Expect(os.Setenv(name, value)).To(Succeed())

	DeferCleanup(func() {
		if had {
			os.Setenv(name, old)
		} else {
			os.Unsetenv(name)
		}
	})
}

func unsetenv(name string) {
	old, had := os.LookupEnv(name)
	Expect(os.Unsetenv(name)).To(Succeed())

	DeferCleanup(func() {
		if had {
			os.Setenv(name, old)
		}
	})
}

var _ = Describe("Config", func() {
	BeforeEach(func() {
		for _, name := range []string{
			EnvWorkDir, EnvFile, EnvResponseTimeout, EnvReadyTimeout,
			EnvPollInterval, EnvTraceDB, EnvMonitorPort,
		} {
			unsetenv(name)
		}
	})

	It("should require a working directory", func() {
		_, err := LoadConfig()

		Expect(err).To(HaveOccurred())
	})

	It("should read the environment", func() {
		setenv(EnvWorkDir, "/tmp/ase")
		setenv(EnvResponseTimeout, "3s")
		setenv(EnvPollInterval, "50us")
		setenv(EnvMonitorPort, "8080")
		setenv(EnvTraceDB, "trace")

		cfg, err := LoadConfig()

		Expect(err).To(BeNil())
		Expect(cfg.WorkDir).To(Equal("/tmp/ase"))
		Expect(cfg.ResponseTimeout).To(Equal(3 * time.Second))
		Expect(cfg.ReadyTimeout).To(Equal(DefaultConfig().ReadyTimeout))
		Expect(cfg.PollInterval).To(Equal(50 * time.Microsecond))
		Expect(cfg.MonitorPort).To(Equal(8080))
		Expect(cfg.TraceDB).To(Equal("trace"))
	})

	It("should reject malformed durations", func() {
		setenv(EnvWorkDir, "/tmp/ase")
		setenv(EnvReadyTimeout, "soon")

		_, err := LoadConfig()

		Expect(err).To(HaveOccurred())
	})

	It("should take missing values from the env file", func() {
		file := filepath.Join(GinkgoT().TempDir(), "ase.env")
		Expect(os.WriteFile(file,
			[]byte("ASE_WORKDIR=/from/file\nASE_READY_TIMEOUT=5s\n"),
			0o644)).To(Succeed())
		setenv(EnvFile, file)
		setenv(EnvReadyTimeout, "7s")
		DeferCleanup(os.Unsetenv, EnvWorkDir)

		cfg, err := LoadConfig()

		Expect(err).To(BeNil())
		Expect(cfg.WorkDir).To(Equal("/from/file"))
		Expect(cfg.ReadyTimeout).To(Equal(7 * time.Second))
	})

	It("should fail on a named env file that is missing", func() {
		setenv(EnvWorkDir, "/tmp/ase")
		setenv(EnvFile, filepath.Join(GinkgoT().TempDir(), "absent.env"))

		_, err := LoadConfig()

		Expect(err).To(HaveOccurred())
	})
})
