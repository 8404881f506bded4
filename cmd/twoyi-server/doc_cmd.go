package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
)

// DocCmd dumps the full command tree as markdown, for publishing
// alongside the binary instead of relying on --help at a terminal.
type DocCmd struct{}

func (c *DocCmd) Run(cctx *Context) error {
	return writeMarkdownDoc(os.Stdout)
}

func writeMarkdownDoc(w io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("twoyi-server"))
	if err != nil {
		return fmt.Errorf("doc: build parser model: %w", err)
	}

	root := parser.Model.Node
	fmt.Fprintf(w, "# %s\n\n", parser.Model.Name)
	if root.Help != "" {
		fmt.Fprintf(w, "%s\n\n", root.Help)
	}

	writeFlagSection(w, "Global Flags", rootFlags(root))

	fmt.Fprintf(w, "## Commands\n\n")
	writeCommandTree(w, root, parser.Model.Name, 2)
	return nil
}

func rootFlags(root *kong.Node) []*kong.Flag {
	var flags []*kong.Flag
	for _, flag := range root.Flags {
		if !flag.Hidden && flag.Group == nil {
			flags = append(flags, flag)
		}
	}
	return flags
}

func writeCommandTree(w io.Writer, node *kong.Node, pathPrefix string, headingLevel int) {
	for _, child := range node.Children {
		if child.Hidden || child.Type != kong.CommandNode {
			continue
		}

		cmdPath := pathPrefix + " " + child.Name
		fmt.Fprintf(w, "%s `%s`\n\n", strings.Repeat("#", headingLevel), cmdPath)
		if child.Help != "" {
			fmt.Fprintf(w, "%s\n\n", child.Help)
		}
		fmt.Fprintf(w, "**Usage:**\n\n```\n%s\n```\n\n", usageLine(cmdPath, child))

		var visible []*kong.Flag
		for _, flag := range child.Flags {
			if !flag.Hidden {
				visible = append(visible, flag)
			}
		}
		writeFlagSection(w, "Flags", visible)

		if len(child.Children) > 0 {
			writeCommandTree(w, child, cmdPath, headingLevel+1)
		}
	}
}

func writeFlagSection(w io.Writer, title string, flags []*kong.Flag) {
	if len(flags) == 0 {
		return
	}
	fmt.Fprintf(w, "**%s:**\n\n", title)
	for _, flag := range flags {
		fmt.Fprintln(w, "- "+flagSignature(flag))
	}
	fmt.Fprintln(w)
}

func flagSignature(flag *kong.Flag) string {
	var sig strings.Builder
	if flag.Short != 0 {
		fmt.Fprintf(&sig, "`-%c, --%s`", flag.Short, flag.Name)
	} else {
		fmt.Fprintf(&sig, "`--%s`", flag.Name)
	}
	if !flag.IsBool() {
		fmt.Fprintf(&sig, " _%s_", flag.FormatPlaceHolder())
	}
	if flag.Help != "" {
		fmt.Fprintf(&sig, " - %s", flag.Help)
	}
	if flag.Default != "" {
		fmt.Fprintf(&sig, " (default: `%s`)", flag.Default)
	}
	return sig.String()
}

func usageLine(cmdPath string, node *kong.Node) string {
	usage := cmdPath
	if len(node.Flags) > 0 {
		usage += " [flags]"
	}
	for _, arg := range node.Positional {
		name := strings.ToUpper(arg.Name)
		if arg.Required {
			usage += fmt.Sprintf(" <%s>", name)
		} else {
			usage += fmt.Sprintf(" [%s]", name)
		}
		if arg.Passthrough {
			usage += "..."
		}
	}
	return usage
}
