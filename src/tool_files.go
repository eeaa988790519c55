package elmer

/*------------------------------------------------------------------
 *
 * Name:	tool_files
 *
 * Purpose:	Let the model browse the station's file area and walk
 *		users through YAPP transfers.
 *
 * Description:	The model can list and describe files but uploads,
 *		downloads, shares, and deletes stay behind the explicit
 *		/-commands so nothing moves without the operator asking
 *		for it.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
)

type FileTool struct {
	files *FileManager
	log   *log.Logger
}

func NewFileTool(files *FileManager, logger *log.Logger) *FileTool {
	if logger == nil {
		logger = log.Default()
	}
	return &FileTool{files: files, log: logger.WithPrefix("file-tool")}
}

func (t *FileTool) Name() string { return "file_management" }

func (t *FileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: "file_management",
		Description: "Manage files stored on the Elmer BBS. " +
			"List available files, get file information, and help users with file operations. " +
			"Files are transferred via YAPP protocol over AX.25. " +
			"Use this when users ask about files, file transfers, uploads, or downloads.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]SchemaProp{
				"action": {
					Type: "string",
					Enum: []string{"list", "info", "help"},
					Description: "Action to perform:\n" +
						"- list: List files accessible to the user\n" +
						"- info: Get information about a specific file\n" +
						"- help: Get help about file operations",
				},
				"file_id": {
					Type:        "integer",
					Description: "File ID (required for 'info' action)",
				},
				"filter": {
					Type:        "string",
					Enum:        []string{"public", "private", "shared", "all"},
					Description: "Filter files by access level (for 'list' action)",
				},
				"callsign": {
					Type:        "string",
					Description: "User's callsign (extracted from connection context)",
				},
			},
			Required: []string{"action", "callsign"},
		},
	}
}

type fileToolEntry struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	Size        string `json:"size"`
	SizeBytes   int    `json:"size_bytes"`
	Owner       string `json:"owner"`
	Access      string `json:"access"`
	Description string `json:"description"`
	Downloads   int    `json:"downloads"`
	UploadedAt  string `json:"uploaded_at"`
}

func (t *FileTool) list(callsign, filter string) string {
	if filter == "all" {
		filter = ""
	}

	files, err := t.files.List(callsign, filter)
	if err != nil {
		return toolJSON(map[string]string{
			"error":   "File operation failed",
			"message": err.Error(),
		})
	}

	if len(files) == 0 {
		return toolJSON(map[string]any{
			"success": true,
			"message": "No files found.",
			"files":   []fileToolEntry{},
		})
	}

	entries := make([]fileToolEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fileToolEntry{
			ID:          f.ID,
			Filename:    f.Filename,
			Size:        FormatFileSize(f.FileSize),
			SizeBytes:   f.FileSize,
			Owner:       f.OwnerCallsign,
			Access:      f.AccessLevel,
			Description: f.Description,
			Downloads:   f.DownloadCount,
			UploadedAt:  f.UploadedAt.Format("2006-01-02 15:04:05"),
		})
	}

	return toolJSON(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Found %d file(s).", len(entries)),
		"files":   entries,
	})
}

func (t *FileTool) info(callsign string, fileID int64) string {
	f, err := t.files.Info(fileID, callsign)
	if err != nil {
		return toolJSON(map[string]any{
			"success": false,
			"error":   err.Error(),
		})
	}

	return toolJSON(map[string]any{
		"success": true,
		"file": map[string]any{
			"id":             f.ID,
			"filename":       f.Filename,
			"size":           FormatFileSize(f.FileSize),
			"size_bytes":     f.FileSize,
			"mime_type":      f.MimeType,
			"owner":          f.OwnerCallsign,
			"access":         f.AccessLevel,
			"description":    f.Description,
			"uploaded_at":    f.UploadedAt.Format("2006-01-02 15:04:05"),
			"download_count": f.DownloadCount,
		},
	})
}

func (t *FileTool) help() string {
	helpText := fmt.Sprintf(`
File Transfer Commands:
- /upload - Start uploading a file via YAPP protocol
- /files [public|private|shared] - List available files
- /download <file_id> - Download a file by ID
- /fileinfo <file_id> - Get detailed information about a file
- /share <file_id> <callsign> - Share a file with another callsign
- /publicfile <file_id> - Make one of your files public
- /deletefile <file_id> - Delete one of your files

File Transfer Protocol:
- Files are transferred using YAPP (Yet Another Packet Protocol)
- YAPP is a standard amateur radio file transfer protocol
- Maximum file size: %s
- Transfers work over AX.25 connections (not telnet)
- Use Packet Commander iOS app or other YAPP-capable software

File Access Levels:
- private: Only you can access the file
- public: Anyone can download the file
- shared: Specific callsigns you've shared with can access

Tips:
- You can ask me to list files, get file info, or help with operations
- I can't initiate uploads/downloads, but I can guide you through the process
- File IDs are shown when listing files - use these for download/share commands
`, FormatFileSize(t.files.MaxFileSize()))

	return toolJSON(map[string]any{
		"success":   true,
		"help_text": helpText,
	})
}

func (t *FileTool) Invoke(ctx context.Context, tc ToolContext, input json.RawMessage) string {
	var args struct {
		Action   string `json:"action"`
		FileID   *int64 `json:"file_id"`
		Filter   string `json:"filter"`
		Callsign string `json:"callsign"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return toolJSON(map[string]string{
				"error":   "File operation failed",
				"message": err.Error(),
			})
		}
	}

	// The connection's identity wins over whatever the model supplied.
	callsign := tc.Callsign
	if callsign == "" {
		callsign = args.Callsign
	}
	if callsign == "" {
		return toolJSON(map[string]string{
			"error":   "Missing parameter",
			"message": "Callsign is required",
		})
	}

	switch args.Action {
	case "list":
		return t.list(callsign, args.Filter)
	case "info":
		if args.FileID == nil {
			return toolJSON(map[string]string{"error": "file_id is required for 'info' action"})
		}
		return t.info(callsign, *args.FileID)
	case "help":
		return t.help()
	default:
		return toolError("Unknown action: %s", args.Action)
	}
}
