// Command fixtureserver is a tiny stand-in inference backend used by the
// proxy package's process-level tests: it never loads a model, it just
// answers the handful of upstream shapes modelgate proxies (chat
// completions, completions, embeddings, audio transcription, health) so
// tests can exercise process spawn/health/proxy without a real llama.cpp
// binary on the test machine.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

func main() {
	gin.SetMode(gin.TestMode)

	port := flag.String("port", "8080", "port to listen on")
	expectedModel := flag.String("model", "TheExpectedModel", "model name to expect on model-checked endpoints")
	responseMessage := flag.String("respond", "hi", "message echoed back in responses")
	silent := flag.Bool("silent", false, "disable all logging")
	ignoreSigTerm := flag.Bool("ignore-sig-term", false, "ignore SIGTERM, useful for exercising forced-kill paths")

	flag.Parse()

	r := gin.New()

	r.POST("/v1/chat/completions", func(c *gin.Context) {
		bodyBytes, _ := io.ReadAll(c.Request.Body)

		// checked via query param, not the JSON body, since the body is
		// consumed for logging/filters before the upstream sees it in some tests
		isStreaming := c.Query("stream") == "true"

		if wait, err := time.ParseDuration(c.Query("wait")); err == nil {
			time.Sleep(wait)
		}

		if !isStreaming {
			c.Header("Content-Type", "application/json")
			c.JSON(http.StatusOK, gin.H{
				"responseMessage":  *responseMessage,
				"h_content_length": c.Request.Header.Get("Content-Length"),
				"request_body":     string(bodyBytes),
				"usage": gin.H{
					"completion_tokens": 10,
					"prompt_tokens":     25,
					"total_tokens":      35,
				},
			})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("Transfer-Encoding", "chunked")

		for i := 0; i < 10; i++ {
			c.SSEvent("message", gin.H{
				"created": time.Now().Unix(),
				"choices": []gin.H{
					{"index": 0, "delta": gin.H{"content": "token"}, "finish_reason": nil},
				},
			})
			c.Writer.Flush()
		}

		c.SSEvent("message", gin.H{
			"usage": gin.H{"completion_tokens": 10, "prompt_tokens": 25, "total_tokens": 35},
		})
		c.Writer.Flush()
		c.SSEvent("message", "[DONE]")
		c.Writer.Flush()
	})

	r.POST("/v1/audio/speech", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
			return
		}
		defer c.Request.Body.Close()

		modelName := gjson.GetBytes(body, "model").String()
		if modelName != *expectedModel {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unexpected model: %s, expected: %s", modelName, *expectedModel)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	r.POST("/v1/completions", func(c *gin.Context) {
		c.Header("Content-Type", "application/json")
		c.JSON(http.StatusOK, gin.H{
			"responseMessage": *responseMessage,
			"usage":           gin.H{"completion_tokens": 10, "prompt_tokens": 25, "total_tokens": 35},
		})
	})

	// llama-server compatibility endpoint
	r.POST("/completion", func(c *gin.Context) {
		c.Header("Content-Type", "application/json")
		c.JSON(http.StatusOK, gin.H{
			"responseMessage": *responseMessage,
			"usage":           gin.H{"completion_tokens": 10, "prompt_tokens": 25, "total_tokens": 35},
		})
	})

	r.POST("/v1/embeddings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data":   []gin.H{{"object": "embedding", "embedding": []float64{0.1, 0.2, 0.3}, "index": 0}},
			"usage":  gin.H{"prompt_tokens": 5, "total_tokens": 5},
		})
	})

	r.POST("/v1/audio/transcriptions", func(c *gin.Context) {
		if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("error parsing multipart form: %s", err)})
			return
		}

		model := c.Request.FormValue("model")
		if model == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing model parameter"})
			return
		}

		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("error getting file: %s", err)})
			return
		}
		defer file.Close()

		fileBytes, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("error reading file: %s", err)})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"text":             fmt.Sprintf("the length of the file is %d bytes", len(fileBytes)),
			"model":            model,
			"h_content_type":   c.GetHeader("Content-Type"),
			"h_content_length": c.GetHeader("Content-Length"),
		})
	})

	r.GET("/slow-respond", func(c *gin.Context) {
		echo := c.Query("echo")
		if echo == "" {
			echo = "abcdefghijklmnopqrstuvwxyz"
		}

		delay := c.Query("delay")
		if delay == "" {
			delay = "100ms"
		}
		t, err := time.ParseDuration(delay)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid duration: %s", err)
			return
		}

		c.Header("Content-Type", "text/plain")
		for _, char := range echo {
			c.Writer.Write([]byte(string(char)))
			c.Writer.Flush()
			<-time.After(t)
		}
	})

	r.GET("/test", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.String(http.StatusOK, *responseMessage)
	})

	r.GET("/env", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.String(http.StatusOK, *responseMessage)
		for _, envVar := range os.Environ() {
			c.String(http.StatusOK, envVar)
		}
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/", func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.String(http.StatusOK, fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path))
	})

	address := "127.0.0.1:" + *port
	srv := &http.Server{Addr: address, Handler: r.Handler()}

	if *silent {
		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = io.Discard
		log.SetOutput(io.Discard)
	} else {
		fmt.Printf("My PID: %d\n", os.Getpid())
	}

	go func() {
		log.Printf("fixtureserver listening on %s\n", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("fixtureserver err: %s\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	countSigInt := 0
runloop:
	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGINT:
			countSigInt++
			if countSigInt > 1 {
				break runloop
			}
			log.Println("received SIGINT, send another to shut down")
		case syscall.SIGTERM:
			if *ignoreSigTerm {
				log.Println("ignoring SIGTERM")
			} else {
				log.Println("received SIGTERM, shutting down")
				break runloop
			}
		default:
			break runloop
		}
	}

	log.Println("fixtureserver shutting down")
}
