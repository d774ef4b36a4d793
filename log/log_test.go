package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/log"
)

var _ = Describe("Log", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	AfterEach(func() {
		log.SetDefault(log.NewLogger(log.DiscardHandler()))
		log.DisableModule("test")
	})

	DescribeTable("ParseLevel",
		func(name string, want slog.Level) {
			lvl, err := log.ParseLevel(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(lvl).To(Equal(want))
		},
		Entry("trace", "trace", log.LevelTrace),
		Entry("debug", "DEBUG", log.LevelDebug),
		Entry("info", "info", log.LevelInfo),
		Entry("warning", "warning", log.LevelWarn),
		Entry("error", "error", log.LevelError),
		Entry("crit", "critical", log.LevelCrit),
	)

	It("should reject unknown levels and formats", func() {
		_, err := log.ParseLevel("loud")
		Expect(err).To(HaveOccurred())
		Expect(log.Init("info", "xml", buf)).To(HaveOccurred())
	})

	It("should tag records with the module name", func() {
		Expect(log.Init("info", "json", buf)).To(Succeed())
		log.Info("test", "hello", "answer", 42)

		var rec map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &rec)).To(Succeed())
		Expect(rec["module"]).To(Equal("test"))
		Expect(rec["msg"]).To(Equal("hello"))
		Expect(rec["level"]).To(Equal("info"))
		Expect(rec["answer"]).To(BeNumerically("==", 42))
	})

	It("should drop records below the configured level", func() {
		Expect(log.Init("warn", "text", buf)).To(Succeed())
		log.Info("test", "quiet")
		Expect(buf.Len()).To(BeZero())

		log.Warn("test", "loud")
		Expect(buf.String()).To(ContainSubstring("msg=loud"))
		Expect(buf.String()).To(ContainSubstring("level=warn"))
	})

	It("should filter trace records by module", func() {
		log.SetDefault(log.NewLogger(log.NewHandler(buf, log.LevelTrace, "text")))

		log.Trace("test", "hidden")
		Expect(buf.Len()).To(BeZero())

		log.EnableModule("test")
		log.Trace("test", "shown")
		Expect(buf.String()).To(ContainSubstring("level=trace"))
		Expect(buf.String()).To(ContainSubstring("msg=shown"))
	})

	It("should carry attributes from With", func() {
		log.SetDefault(log.NewLogger(log.NewHandler(buf, log.LevelInfo, "text")))
		log.New("run", 7).Info("test", "step")
		Expect(buf.String()).To(ContainSubstring("run=7"))
	})
})
