package api

import (
	"archive/zip"
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Requestarr/internal/logger"
)

const defaultRecentLogLines = 100

func (s *RESTServer) handleDownloadLogs(c *gin.Context) {
	c.Header("Content-Disposition", "attachment; filename=requestarr_logs.zip")
	c.Header("Content-Type", "application/zip")

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	err := filepath.Walk(s.cfg.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		// Use .txt extension for Windows compatibility
		baseName := filepath.Base(path)
		if strings.HasSuffix(baseName, ".log") {
			baseName = strings.TrimSuffix(baseName, ".log") + ".txt"
		}
		header.Name = baseName
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})

	if err != nil {
		logger.Errorf("Failed to zip logs: %v", err)
	}
}

// handleRecentLogs returns the tail of the current log file, parsed into
// timestamp, level and message.
func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("lines", strconv.Itoa(defaultRecentLogLines)))
	if err != nil || n < 1 || n > 1000 {
		n = defaultRecentLogLines
	}

	file, err := os.Open(filepath.Join(s.cfg.LogDir, logger.LogFileName))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, []gin.H{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read log file"})
		return
	}
	defer file.Close()

	// Ring buffer of the last n lines.
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to scan log file"})
		return
	}

	// Format: timestamp [LEVEL] message
	entries := make([]gin.H, 0, len(ring))
	for _, line := range ring {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 || !strings.HasPrefix(parts[1], "[") {
			continue
		}
		entries = append(entries, gin.H{
			"timestamp": parts[0],
			"level":     strings.Trim(parts[1], "[]"),
			"message":   parts[2],
		})
	}

	c.JSON(http.StatusOK, entries)
}
