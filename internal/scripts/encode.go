package scripts

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// EncodePowerShell returns a powershell.exe command line running script through
// -EncodedCommand, which avoids every quoting layer between us and the target.
func EncodePowerShell(script string) (string, error) {
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, err := utf16.NewEncoder().String(script)
	if err != nil {
		return "", fmt.Errorf("failed to encode powershell script: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(encoded))
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + b64, nil
}

// Chunks base64-encodes body and splits the result into pieces of at most size
// characters, for transports with a command-line length limit.
func Chunks(body string, size int) []string {
	if size <= 0 {
		size = 4000
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(body))
	chunks := make([]string, 0, len(b64)/size+1)
	for len(b64) > size {
		chunks = append(chunks, b64[:size])
		b64 = b64[size:]
	}
	if b64 != "" {
		chunks = append(chunks, b64)
	}
	return chunks
}

// UploadCommands returns cmd.exe command lines that rebuild body at path on the
// target: one append per chunk, then a certutil decode. base64 needs no cmd.exe
// escaping. The redirection comes first so a chunk ending in a digit is not
// read as a handle number.
func UploadCommands(body, path string, size int) []string {
	b64Path := path + ".b64"
	chunks := Chunks(body, size)
	cmds := make([]string, 0, len(chunks)+2)
	cmds = append(cmds, fmt.Sprintf(`if exist "%s" del /f /q "%s"`, b64Path, b64Path))
	for _, c := range chunks {
		cmds = append(cmds, fmt.Sprintf(`>>"%s" echo %s`, b64Path, c))
	}
	cmds = append(cmds, fmt.Sprintf(`certutil -f -decode "%s" "%s" >nul && del /f /q "%s"`, b64Path, path, b64Path))
	return cmds
}
