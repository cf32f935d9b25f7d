package refresh

import (
	"net/http"
	"strings"
)

// clientRuntime is the script appended to HTML responses. It opens the
// endpoint's GET stream and reloads the page when the final `1` arrives;
// on stream loss it retries until the server is back.
const clientRuntime = `<script>
(function () {
  var endpoint = ` + "\"" + EndpointPath + "\"" + `;
  function watch() {
    fetch(endpoint).then(function (res) {
      var reader = res.body.getReader();
      var decoder = new TextDecoder();
      function pump() {
        return reader.read().then(function (step) {
          if (step.done) return retry();
          if (decoder.decode(step.value).indexOf("1") !== -1) {
            location.reload();
            return;
          }
          return pump();
        });
      }
      return pump();
    }).catch(retry);
  }
  function retry() { setTimeout(watch, 1000); }
  watch();
})();
</script>`

// Middleware routes the reserved endpoint to the hub and appends the client
// runtime to injectable HTML responses from next.
func Middleware(hub *Hub, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == EndpointPath {
			hub.ServeHTTP(w, r)
			return
		}
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		iw := &injectWriter{ResponseWriter: w}
		next.ServeHTTP(iw, r)
		iw.finish()
	})
}

// injectWriter decides on the first header write whether the response is
// injectable (HTML, identity encoding) and, if so, strips the length
// headers so the appended script does not truncate.
type injectWriter struct {
	http.ResponseWriter
	wroteHeader bool
	inject      bool
}

func (iw *injectWriter) WriteHeader(status int) {
	if iw.wroteHeader {
		return
	}
	iw.wroteHeader = true

	h := iw.Header()
	encoding := strings.ToLower(h.Get("Content-Encoding"))
	if strings.Contains(strings.ToLower(h.Get("Content-Type")), "html") &&
		(encoding == "" || encoding == "identity") {
		iw.inject = true
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	}
	iw.ResponseWriter.WriteHeader(status)
}

func (iw *injectWriter) Write(p []byte) (int, error) {
	if !iw.wroteHeader {
		iw.WriteHeader(http.StatusOK)
	}
	return iw.ResponseWriter.Write(p)
}

func (iw *injectWriter) finish() {
	if !iw.inject {
		return
	}
	_, _ = iw.ResponseWriter.Write([]byte("\n\n" + clientRuntime))
}

// Flush forwards streaming flushes when the underlying writer supports them.
func (iw *injectWriter) Flush() {
	if f, ok := iw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
